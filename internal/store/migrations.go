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
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the version every fresh database is migrated
// to; Migrate walks forward from whatever version is persisted.
const CurrentSchemaVersion = 1

type migration struct {
	version int
	up      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, up: migrateV1},
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			type               TEXT NOT NULL DEFAULT '',
			vendor             TEXT NOT NULL DEFAULT '',
			ip                 TEXT NOT NULL,
			mac                TEXT NOT NULL DEFAULT '',
			first_seen         INTEGER NOT NULL,
			last_seen          INTEGER NOT NULL,
			total_bytes        INTEGER NOT NULL DEFAULT 0,
			connection_count   INTEGER NOT NULL DEFAULT 0,
			threat_score       INTEGER NOT NULL DEFAULT 0,
			notes              TEXT NOT NULL DEFAULT '',
			os                 TEXT NOT NULL DEFAULT '',
			ipv6_support       INTEGER NOT NULL DEFAULT 0,
			avg_rtt            REAL NOT NULL DEFAULT 0,
			connection_quality INTEGER NOT NULL DEFAULT 0,
			applications_json  TEXT NOT NULL DEFAULT '[]',
			behavioural_json   TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id                 TEXT PRIMARY KEY,
			device_id          TEXT NOT NULL DEFAULT '',
			src_ip             TEXT NOT NULL,
			src_port           INTEGER NOT NULL,
			dst_ip             TEXT NOT NULL,
			dst_port           INTEGER NOT NULL,
			protocol           INTEGER NOT NULL,
			bytes_in           INTEGER NOT NULL DEFAULT 0,
			bytes_out          INTEGER NOT NULL DEFAULT 0,
			packets_in         INTEGER NOT NULL DEFAULT 0,
			packets_out        INTEGER NOT NULL DEFAULT 0,
			first_seen         INTEGER NOT NULL,
			last_seen          INTEGER NOT NULL,
			status             TEXT NOT NULL DEFAULT 'CLOSED',
			domain             TEXT NOT NULL DEFAULT '',
			sni                TEXT NOT NULL DEFAULT '',
			application        TEXT NOT NULL DEFAULT '',
			http_method        TEXT NOT NULL DEFAULT '',
			url                TEXT NOT NULL DEFAULT '',
			user_agent         TEXT NOT NULL DEFAULT '',
			dns_query_type     TEXT NOT NULL DEFAULT '',
			dns_response_code  TEXT NOT NULL DEFAULT '',
			country            TEXT NOT NULL DEFAULT '',
			city               TEXT NOT NULL DEFAULT '',
			asn                INTEGER NOT NULL DEFAULT 0,
			tcp_flags          INTEGER NOT NULL DEFAULT 0,
			ttl                INTEGER NOT NULL DEFAULT 0,
			connection_state   INTEGER NOT NULL DEFAULT 0,
			rtt                REAL NOT NULL DEFAULT 0,
			jitter             REAL NOT NULL DEFAULT 0,
			retransmissions    INTEGER NOT NULL DEFAULT 0,
			threat_level       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_device_last_seen ON flows(device_id, last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_last_seen ON flows(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_src_ip ON flows(src_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_dst_ip ON flows(dst_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_threat_level ON flows(threat_level)`,
		`CREATE TABLE IF NOT EXISTS threats (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			severity      INTEGER NOT NULL,
			score         INTEGER NOT NULL,
			device_id     TEXT NOT NULL DEFAULT '',
			flow_id       TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			evidence_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_active_device ON threats(active, device_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// migrate walks from the persisted schema version to
// CurrentSchemaVersion, applying every pending migration inside its own
// transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := m.up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version, applied_at) VALUES (?, ?)`,
			m.version, nowUnix()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		storeLog.Sugar().Infow("applied migration", "version", m.version)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
