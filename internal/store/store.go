// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the embedded, schema-versioned persistence layer
// for devices, flows, and threats. Flow inserts are queued to a single
// batch-writer goroutine; device and threat writes, dismissals and
// cleanup run on the caller's goroutine. The shared *sql.DB is limited
// to one open connection, so every read and write is serialised on it
// and a read does not run while a write holds the connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/netinsight-io/sensor/internal/errs"
	"github.com/netinsight-io/sensor/internal/obs"
)

var storeLog = obs.Named("store")

// Config tunes how the database file is opened and how the write
// batcher behaves.
type Config struct {
	Path string

	CacheSizePages int // negative per sqlite convention means KiB; 0 uses sqlite's default
	MMapSizeBytes  int64

	BatchSize     int
	BatchInterval time.Duration

	RetryAttempts uint
	RetryDelay    time.Duration
}

// Store owns the database handle and the batched flow-write pipeline.
type Store struct {
	db *sql.DB

	cfg Config

	metrics *obs.Metrics

	flowBatch    chan insertFlowJob
	flushDone    chan struct{}
	lastFlushErr error

	lastPingErr string
	lastLatency time.Duration
}

// Open opens (creating if necessary) the database at cfg.Path, applies
// the required pragmas, and runs every pending migration.
func Open(ctx context.Context, cfg Config, metrics *obs.Metrics) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}

	dsn := buildDSN(cfg)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // one connection: all reads and writes take turns on it

	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: optimize: %w", err)
	}

	s := &Store{
		db:        db,
		cfg:       cfg,
		metrics:   metrics,
		flowBatch: make(chan insertFlowJob, cfg.BatchSize*4),
		flushDone: make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w: %w", errs.ErrPermanentStorage, err)
	}

	go s.runBatcher()

	return s, nil
}

func nowUnix() int64 { return time.Now().Unix() }

func buildDSN(cfg Config) string {
	q := url.Values{}
	q.Set("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.CacheSizePages != 0 {
		q.Add("_pragma", "cache_size("+strconv.Itoa(cfg.CacheSizePages)+")")
	}
	if cfg.MMapSizeBytes > 0 {
		q.Add("_pragma", "mmap_size("+strconv.FormatInt(cfg.MMapSizeBytes, 10)+")")
	}
	return cfg.Path + "?" + q.Encode()
}

// Close flushes any pending flow batch and closes the database handle,
// combining errors from both independent steps rather than discarding
// one in favour of the other.
func (s *Store) Close() error {
	close(s.flowBatch)
	<-s.flushDone
	return multierr.Append(s.lastFlushErr, s.db.Close())
}

// Ping reports whether the database is reachable and how long the
// check took, for the pipeline's health snapshot.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := s.db.PingContext(ctx)
	latency := time.Since(start)

	s.lastLatency = latency
	if err != nil {
		s.lastPingErr = err.Error()
	} else {
		s.lastPingErr = ""
	}
	return latency, err
}

// withRetry runs op, making at most cfg.RetryAttempts attempts in total
// with cfg.RetryDelay backoff on the same database handle (it is never
// reopened), surfacing errs.ErrTransientStorage only once the budget is
// exhausted.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	start := time.Now()
	err := retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if s.metrics != nil {
		s.metrics.StoreWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.Inc()
		}
		return fmt.Errorf("%w: %w", errs.ErrTransientStorage, err)
	}
	return nil
}
