package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	pkgch "SettleGuard/pkg/clickhouse"
)

const outcomesTable = "settlement_outcomes"

// AuditSchema returns the DDL for the settlement audit trail in database.
func AuditSchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			resolved_at DateTime64(3, 'UTC'),
			market_id   String,
			metric      LowCardinality(String),
			min_sources UInt16,
			ok          UInt8,
			median      Nullable(Float64),
			quotes      UInt16,
			sources     Array(String),
			errors      Array(String),
			payload     String
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(resolved_at)
		ORDER BY (market_id, resolved_at)`, database, outcomesTable),
	}
}

// ClickHouseAuditStore appends settlement outcomes to ClickHouse.
type ClickHouseAuditStore struct {
	db    *sql.DB
	table string
}

// NewClickHouseAuditStore creates the audit store over the client's database.
func NewClickHouseAuditStore(client *pkgch.Client) *ClickHouseAuditStore {
	return &ClickHouseAuditStore{db: client.DB(), table: client.Database() + "." + outcomesTable}
}

func (s *ClickHouseAuditStore) RecordOutcome(ctx context.Context, o *models.SettlementOutcome) error {
	row, err := newAuditRow(o)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (resolved_at, market_id, metric, min_sources, ok, median, quotes, sources, errors, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table)
	_, err = s.db.ExecContext(ctx, q,
		row.resolvedAt,
		row.marketID,
		row.metric,
		row.minSources,
		row.ok,
		row.median,
		row.quotes,
		row.sources,
		row.errors,
		row.payload,
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.MarketID, err)
	}
	return nil
}

// Outcomes returns a market's outcomes in [from, to], newest first.
func (s *ClickHouseAuditStore) Outcomes(ctx context.Context, marketID string, from, to time.Time, limit int) ([]*models.SettlementOutcome, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := fmt.Sprintf("SELECT payload FROM %s WHERE market_id = ? AND resolved_at >= ? AND resolved_at <= ? ORDER BY resolved_at DESC LIMIT ?", s.table)
	rows, err := s.db.QueryContext(ctx, q, marketID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []*models.SettlementOutcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o models.SettlementOutcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("decode outcome payload: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *ClickHouseAuditStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type auditRow struct {
	resolvedAt time.Time
	marketID   string
	metric     string
	minSources uint16
	ok         uint8
	median     *float64
	quotes     uint16
	sources    []string
	errors     []string
	payload    string
}

func newAuditRow(o *models.SettlementOutcome) (auditRow, error) {
	if o == nil || o.MarketID == "" {
		return auditRow{}, fmt.Errorf("outcome requires a market id")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal outcome: %w", err)
	}
	row := auditRow{
		resolvedAt: o.ResolvedAt.UTC(),
		marketID:   o.MarketID,
		metric:     o.Metric,
		minSources: uint16(clamp(o.Policy.MinSources, 0, 1<<16-1)),
		sources:    nonNil(o.Sources),
		errors:     nonNil(o.Response.Errors),
		payload:    string(payload),
	}
	if o.Response.OK && o.Response.Result != nil {
		row.ok = 1
		median := o.Response.Result.Median
		row.median = &median
		row.quotes = uint16(clamp(len(o.Response.Result.Quotes), 0, 1<<16-1))
	}
	return row, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MemoryAuditStore keeps a bounded audit trail per market in process.
type MemoryAuditStore struct {
	mu       sync.RWMutex
	capacity int
	outcomes map[string][]*models.SettlementOutcome
}

// NewMemoryAuditStore keeps at most capacity outcomes per market.
func NewMemoryAuditStore(capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = defaultListLimit
	}
	return &MemoryAuditStore{capacity: capacity, outcomes: make(map[string][]*models.SettlementOutcome)}
}

func (s *MemoryAuditStore) RecordOutcome(_ context.Context, o *models.SettlementOutcome) error {
	if o == nil || o.MarketID == "" {
		return fmt.Errorf("outcome requires a market id")
	}
	cp := *o
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.outcomes[o.MarketID], &cp)
	if len(list) > s.capacity {
		list = list[len(list)-s.capacity:]
	}
	s.outcomes[o.MarketID] = list
	return nil
}

func (s *MemoryAuditStore) Outcomes(_ context.Context, marketID string, from, to time.Time, limit int) ([]*models.SettlementOutcome, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	var out []*models.SettlementOutcome
	for _, o := range s.outcomes[marketID] {
		if o.ResolvedAt.Before(from) || o.ResolvedAt.After(to) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAuditStore) Health(context.Context) error { return nil }

var (
	_ domrepo.AuditStore = (*ClickHouseAuditStore)(nil)
	_ domrepo.AuditStore = (*MemoryAuditStore)(nil)
)
