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
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/netinsight-io/sensor/internal/errs"
	"github.com/netinsight-io/sensor/internal/types"
)

// UpsertDevice writes d, retrying through the store's configured retry
// budget on a transient failure.
func (s *Store) UpsertDevice(ctx context.Context, d types.Device) error {
	apps := d.Applications
	if apps == nil {
		apps = mapset.NewThreadUnsafeSet[string]()
	}
	appsJSON, err := json.Marshal(apps.ToSlice())
	if err != nil {
		return err
	}
	behaviouralJSON, err := json.Marshal(d.Behavioural)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (
				id, name, type, vendor, ip, mac, first_seen, last_seen,
				total_bytes, connection_count, threat_score, notes, os,
				ipv6_support, avg_rtt, connection_quality, applications_json, behavioural_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, type = excluded.type, vendor = excluded.vendor,
				last_seen = excluded.last_seen, total_bytes = excluded.total_bytes,
				connection_count = excluded.connection_count, threat_score = excluded.threat_score,
				notes = excluded.notes, os = excluded.os, ipv6_support = excluded.ipv6_support,
				avg_rtt = excluded.avg_rtt, connection_quality = excluded.connection_quality,
				applications_json = excluded.applications_json, behavioural_json = excluded.behavioural_json
		`,
			d.ID, d.Name, d.Type, d.Vendor, d.IP.String(), hex.EncodeToString(d.MAC),
			d.FirstSeen.Unix(), d.LastSeen.Unix(),
			d.TotalBytes, d.ConnectionCount, d.ThreatScore, d.Notes, d.OS,
			boolToInt(d.IPv6Support), d.AvgRTTMillis, int(d.ConnectionQuality),
			string(appsJSON), string(behaviouralJSON),
		)
		return err
	})
}

// GetDevice reads one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, vendor, ip, mac, first_seen, last_seen,
			total_bytes, connection_count, threat_score, notes, os,
			ipv6_support, avg_rtt, connection_quality, applications_json, behavioural_json
		FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return types.Device{}, errs.ErrNotFound
	}
	return d, err
}

// ListDevices returns every known device, oldest-seen last.
func (s *Store) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, vendor, ip, mac, first_seen, last_seen,
			total_bytes, connection_count, threat_score, notes, os,
			ipv6_support, avg_rtt, connection_quality, applications_json, behavioural_json
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(r scanner) (types.Device, error) {
	var d types.Device
	var ip, mac string
	var firstSeen, lastSeen int64
	var ipv6 int
	var quality int
	var appsJSON, behaviouralJSON string

	err := r.Scan(
		&d.ID, &d.Name, &d.Type, &d.Vendor, &ip, &mac, &firstSeen, &lastSeen,
		&d.TotalBytes, &d.ConnectionCount, &d.ThreatScore, &d.Notes, &d.OS,
		&ipv6, &d.AvgRTTMillis, &quality, &appsJSON, &behaviouralJSON,
	)
	if err != nil {
		return types.Device{}, err
	}

	d.IP, _ = netip.ParseAddr(ip)
	d.MAC, _ = hex.DecodeString(mac)
	d.FirstSeen = time.Unix(firstSeen, 0).UTC()
	d.LastSeen = time.Unix(lastSeen, 0).UTC()
	d.IPv6Support = ipv6 != 0
	d.ConnectionQuality = types.ConnectionQuality(quality)

	var appSlice []string
	if err := json.Unmarshal([]byte(appsJSON), &appSlice); err == nil {
		d.Applications = mapset.NewThreadUnsafeSet(appSlice...)
	} else {
		d.Applications = mapset.NewThreadUnsafeSet[string]()
	}
	var behavioural map[string]string
	if err := json.Unmarshal([]byte(behaviouralJSON), &behavioural); err == nil {
		d.Behavioural = behavioural
	}

	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
