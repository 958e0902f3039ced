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

package store

import (
	"context"
	"time"
)

// cleanupBatchSize bounds how many rows a single Cleanup transaction
// deletes, so a large backlog doesn't hold the write lock for an
// unbounded stretch.
const cleanupBatchSize = 5000

// Cleanup deletes flows and threats last seen before olderThan, in
// batches, each batch committed as its own transaction. It returns the
// total number of rows removed across both tables. Idempotent: calling
// it again with the same cutoff removes nothing further.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.Unix()
	var total int64

	for {
		n, err := s.cleanupBatch(ctx, `DELETE FROM flows WHERE id IN (
			SELECT id FROM flows WHERE last_seen < ? LIMIT ?)`, cutoff)
		if err != nil {
			return total, err
		}
		total += n
		if n < cleanupBatchSize {
			break
		}
	}

	for {
		n, err := s.cleanupBatch(ctx, `DELETE FROM threats WHERE id IN (
			SELECT id FROM threats WHERE last_seen < ? LIMIT ?)`, cutoff)
		if err != nil {
			return total, err
		}
		total += n
		if n < cleanupBatchSize {
			break
		}
	}

	return total, nil
}

// MaintenanceStats reports table sizes, for the health/maintenance
// surface an external adapter exposes.
type MaintenanceStats struct {
	Devices int64
	Flows   int64
	Threats int64
}

func (s *Store) MaintenanceStats(ctx context.Context) (MaintenanceStats, error) {
	var st MaintenanceStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.Devices); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flows`).Scan(&st.Flows); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threats`).Scan(&st.Threats); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) cleanupBatch(ctx context.Context, query string, cutoff int64) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		res, err := tx.Exec(query, cutoff, cleanupBatchSize)
		if err != nil {
			tx.Rollback()
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	return affected, err
}
