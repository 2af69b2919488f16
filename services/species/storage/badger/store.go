// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger persists search checkpoints in an embedded BadgerDB.
//
// Each run keeps one record, its best tree so far, under
// "checkpoint/<runID>". The record is rewritten every time the search
// reports an improvement, so an interrupted run can be resumed from its
// last best tree.
package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/speciesrax/services/species/search"
)

const checkpointPrefix = "checkpoint/"

var (
	// ErrNotFound is returned by Load for an unknown run.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrNoPath is returned by Open without a path outside in-memory mode.
	ErrNoPath = errors.New("path is required for persistent database")
)

// Config holds configuration for the checkpoint database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration

	// Logger receives badger's own messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns durable settings for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, GCInterval: 5 * time.Minute}
}

// InMemoryConfig returns a throwaway configuration.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Checkpoint is the persisted state of one run.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Strategy  string    `json:"strategy"`
	BestLL    float64   `json:"best_ll"`
	Newick    string    `json:"newick"`
	Hash      uint64    `json:"hash"`
	Rates     []float64 `json:"rates,omitempty"`
	Iteration int       `json:"iteration"`
	UpdatedAt time.Time `json:"updated_at"`
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a checkpoint database.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the checkpoint database.
//
// Description:
//
//	Creates the directory if needed and starts a value log GC goroutine
//	when GCInterval is positive on a persistent database.
//
// Outputs:
//
//	*Store - Caller must Close it.
//	error - ErrNoPath, or the badger open error.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, ErrNoPath
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, now: time.Now, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call twice.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

func key(runID string) []byte {
	return []byte(checkpointPrefix + runID)
}

// Save writes cp, stamping UpdatedAt.
func (s *Store) Save(cp Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint needs a run id")
	}
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(cp.RunID), data)
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// Load returns the checkpoint of runID.
func (s *Store) Load(runID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &cp)
		})
	})
	return cp, err
}

// List returns every checkpoint, the most recently updated first.
func (s *Store) List() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &cp)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// Delete removes the checkpoint of runID. Unknown runs are not an error.
func (s *Store) Delete(runID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(runID))
	})
}

// Recorder returns a search listener that saves every better tree of runID.
// rates, when non-nil, is sampled at each save. Save failures are logged and
// do not stop the search.
func (s *Store) Recorder(runID, strategy string, rates func() []float64) search.Listener {
	return search.ListenerFunc(func(bt search.BetterTree) {
		cp := Checkpoint{
			RunID:     runID,
			Strategy:  strategy,
			BestLL:    bt.LogLikelihood,
			Newick:    bt.Newick,
			Hash:      bt.Hash,
			Iteration: bt.Improvements,
		}
		if rates != nil {
			cp.Rates = rates()
		}
		if err := s.Save(cp); err != nil {
			s.logger.Warn("checkpoint save failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	})
}
