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
	"net/netip"
	"time"

	"github.com/netinsight-io/sensor/internal/types"
)

type insertFlowJob struct {
	flow types.Flow
}

// InsertFlow enqueues a finalised flow for the batch writer. It never
// blocks on the database: the call returns once the job is queued (or
// is dropped if the queue is saturated, which only happens if the
// writer itself is stuck).
func (s *Store) InsertFlow(flow types.Flow) {
	select {
	case s.flowBatch <- insertFlowJob{flow: flow}:
	default:
		storeLog.Sugar().Warnw("flow batch queue full, dropping flow", "flow_id", flow.ID)
	}
}

// runBatcher drains flowBatch into the database, flushing on whichever
// comes first: cfg.BatchSize accumulated jobs, or cfg.BatchInterval
// elapsing since the last flush. On channel close it performs one final
// flush of whatever remains before signalling flushDone.
func (s *Store) runBatcher() {
	defer close(s.flushDone)

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]types.Flow, 0, s.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.insertFlowBatch(context.Background(), batch)
		if err != nil {
			storeLog.Sugar().Errorw("flow batch insert failed", "error", err, "count", len(batch))
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case job, ok := <-s.flowBatch:
			if !ok {
				// Final flush on shutdown: its error (if any) is combined
				// with the database close error in Close, rather than only
				// logged like every earlier flush's.
				s.lastFlushErr = flush()
				return
			}
			batch = append(batch, job.flow)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Store) insertFlowBatch(ctx context.Context, batch []types.Flow) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(`
			INSERT INTO flows (
				id, device_id, src_ip, src_port, dst_ip, dst_port, protocol,
				bytes_in, bytes_out, packets_in, packets_out,
				first_seen, last_seen, status, domain, sni, application,
				http_method, url, user_agent, dns_query_type, dns_response_code,
				country, city, asn, tcp_flags, ttl, connection_state,
				rtt, jitter, retransmissions, threat_level
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				bytes_in = excluded.bytes_in, bytes_out = excluded.bytes_out,
				packets_in = excluded.packets_in, packets_out = excluded.packets_out,
				last_seen = excluded.last_seen, status = excluded.status,
				connection_state = excluded.connection_state,
				rtt = excluded.rtt, jitter = excluded.jitter,
				retransmissions = excluded.retransmissions,
				threat_level = excluded.threat_level
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, f := range batch {
			if _, err := stmt.Exec(
				f.ID, f.DeviceID, f.SrcAddr.String(), f.SrcPort, f.DstAddr.String(), f.DstPort, int(f.Proto),
				f.BytesIn, f.BytesOut, f.PacketsIn, f.PacketsOut,
				f.FirstSeen.Unix(), f.LastSeen.Unix(), f.Status.String(), f.Domain, f.SNI, f.Application,
				f.HTTPMethod, f.URL, f.UserAgent, f.DNSQueryType, f.DNSResponseCode,
				f.Country, f.City, f.ASN, int(f.Flags), f.TTL, int(f.ConnState),
				f.RTTMillis, f.JitterMillis, f.Retransmissions, int(f.ThreatLevel),
			); err != nil {
				tx.Rollback()
				return err
			}
		}

		return tx.Commit()
	})
}

// FlowFilter narrows QueryFlows; zero-value fields are unconstrained.
type FlowFilter struct {
	Limit, Offset int

	DeviceID    string
	Status      string
	Protocol    types.Proto
	HasProtocol bool
	StartTime   time.Time
	EndTime     time.Time
	SourceIP    string
	DestIP      string
	ThreatLevel types.ThreatLevel
	HasThreat   bool
	MinBytes    uint64
}

// QueryFlows runs a filtered, paginated read against the flows table,
// newest first.
func (s *Store) QueryFlows(ctx context.Context, f FlowFilter) ([]types.Flow, error) {
	q := `SELECT id, device_id, src_ip, src_port, dst_ip, dst_port, protocol,
		bytes_in, bytes_out, packets_in, packets_out, first_seen, last_seen,
		status, connection_state, domain, sni, application, http_method, url, user_agent,
		dns_query_type, dns_response_code, country, city, asn, tcp_flags, ttl,
		rtt, jitter, retransmissions, threat_level
		FROM flows WHERE 1=1`
	var args []any

	if f.DeviceID != "" {
		q += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.HasProtocol {
		q += " AND protocol = ?"
		args = append(args, int(f.Protocol))
	}
	if !f.StartTime.IsZero() {
		q += " AND last_seen >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if !f.EndTime.IsZero() {
		q += " AND last_seen <= ?"
		args = append(args, f.EndTime.Unix())
	}
	if f.SourceIP != "" {
		q += " AND src_ip = ?"
		args = append(args, f.SourceIP)
	}
	if f.DestIP != "" {
		q += " AND dst_ip = ?"
		args = append(args, f.DestIP)
	}
	if f.HasThreat {
		q += " AND threat_level = ?"
		args = append(args, int(f.ThreatLevel))
	}
	if f.MinBytes > 0 {
		q += " AND (bytes_in + bytes_out) >= ?"
		args = append(args, f.MinBytes)
	}

	q += " ORDER BY last_seen DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}

func scanFlow(rows *sql.Rows) (types.Flow, error) {
	var f types.Flow
	var srcIP, dstIP, status string
	var firstSeen, lastSeen int64
	var connState int

	err := rows.Scan(
		&f.ID, &f.DeviceID, &srcIP, &f.SrcPort, &dstIP, &f.DstPort, &f.Proto,
		&f.BytesIn, &f.BytesOut, &f.PacketsIn, &f.PacketsOut, &firstSeen, &lastSeen,
		&status, &connState, &f.Domain, &f.SNI, &f.Application, &f.HTTPMethod, &f.URL, &f.UserAgent,
		&f.DNSQueryType, &f.DNSResponseCode, &f.Country, &f.City, &f.ASN, &f.Flags, &f.TTL,
		&f.RTTMillis, &f.JitterMillis, &f.Retransmissions, &f.ThreatLevel,
	)
	if err != nil {
		return types.Flow{}, err
	}

	f.SrcAddr, _ = netip.ParseAddr(srcIP)
	f.DstAddr, _ = netip.ParseAddr(dstIP)
	f.FirstSeen = time.Unix(firstSeen, 0).UTC()
	f.LastSeen = time.Unix(lastSeen, 0).UTC()
	f.DurationMS = lastSeen*1000 - firstSeen*1000
	f.ConnState = types.ConnectionState(connState)
	if status == types.FlowClosed.String() {
		f.Status = types.FlowClosed
	} else {
		f.Status = types.FlowActive
	}

	return f, nil
}
