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
	"encoding/json"
	"time"

	"github.com/netinsight-io/sensor/internal/errs"
	"github.com/netinsight-io/sensor/internal/types"
)

// UpsertThreat writes t.
func (s *Store) UpsertThreat(ctx context.Context, t types.Threat) error {
	evidenceJSON, err := json.Marshal(t.Evidence)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO threats (
				id, kind, severity, score, device_id, flow_id, description,
				first_seen, last_seen, active, evidence_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				severity = excluded.severity, score = excluded.score,
				description = excluded.description, last_seen = excluded.last_seen,
				active = excluded.active, evidence_json = excluded.evidence_json
		`,
			t.ID, string(t.Kind), int(t.Severity), t.Score, t.DeviceID, t.FlowID, t.Description,
			t.FirstSeen.Unix(), t.LastSeen.Unix(), boolToInt(t.Active), string(evidenceJSON),
		)
		return err
	})
}

// DismissThreat marks a threat inactive. Idempotent: dismissing an
// already-inactive or unknown threat is not an error.
func (s *Store) DismissThreat(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE threats SET active = 0 WHERE id = ?`, id)
		return err
	})
}

// ListThreats returns threats, optionally filtered to only active ones.
func (s *Store) ListThreats(ctx context.Context, activeOnly bool) ([]types.Threat, error) {
	q := `SELECT id, kind, severity, score, device_id, flow_id, description,
		first_seen, last_seen, active, evidence_json FROM threats`
	if activeOnly {
		q += " WHERE active = 1"
	}
	q += " ORDER BY last_seen DESC"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Threat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchThreats runs a parameterised LIKE search against description,
// kind and the owning device's name (joined from devices, since
// threats.device_id is a foreign key rather than a human-readable
// name). activeOnly restricts to active=1; callers that want to search
// dismissed threats too pass false.
func (s *Store) SearchThreats(ctx context.Context, query string, activeOnly bool, limit int) ([]types.Threat, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"

	q := `
		SELECT t.id, t.kind, t.severity, t.score, t.device_id, t.flow_id, t.description,
			t.first_seen, t.last_seen, t.active, t.evidence_json
		FROM threats t
		LEFT JOIN devices d ON d.id = t.device_id
		WHERE (t.description LIKE ? OR t.kind LIKE ? OR d.name LIKE ?)`
	args := []any{like, like, like}
	if activeOnly {
		q += " AND t.active = 1"
	}
	q += " ORDER BY t.last_seen DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Threat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanThreat(r scanner) (types.Threat, error) {
	var t types.Threat
	var kind string
	var severity int
	var firstSeen, lastSeen int64
	var active int
	var evidenceJSON string

	err := r.Scan(
		&t.ID, &kind, &severity, &t.Score, &t.DeviceID, &t.FlowID, &t.Description,
		&firstSeen, &lastSeen, &active, &evidenceJSON,
	)
	if err != nil {
		return types.Threat{}, err
	}

	t.Kind = types.ThreatKind(kind)
	t.Severity = types.ThreatLevel(severity)
	t.FirstSeen = time.Unix(firstSeen, 0).UTC()
	t.LastSeen = time.Unix(lastSeen, 0).UTC()
	t.Active = active != 0

	var evidence map[string]string
	if err := json.Unmarshal([]byte(evidenceJSON), &evidence); err == nil {
		t.Evidence = evidence
	}

	return t, nil
}

// GetThreat reads one threat by id.
func (s *Store) GetThreat(ctx context.Context, id string) (types.Threat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, severity, score, device_id, flow_id, description,
			first_seen, last_seen, active, evidence_json
		FROM threats WHERE id = ?`, id)
	t, err := scanThreat(row)
	if err == sql.ErrNoRows {
		return types.Threat{}, errs.ErrNotFound
	}
	return t, err
}
