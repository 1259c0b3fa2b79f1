package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
)

const defaultListLimit = 100

// ListingSchema creates the listings table. Statements are idempotent.
var ListingSchema = []string{
	`CREATE TABLE IF NOT EXISTS settlement_listings (
		market_id  TEXT PRIMARY KEY,
		listing    JSONB NOT NULL,
		warnings   JSONB NOT NULL DEFAULT '[]'::jsonb,
		listed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS settlement_listings_listed_at_idx ON settlement_listings (listed_at DESC)`,
}

// PostgresListingStore keeps validated listings as JSONB rows.
type PostgresListingStore struct {
	pool *pgxpool.Pool
}

// NewPostgresListingStore creates a Postgres backed listing store.
func NewPostgresListingStore(pool *pgxpool.Pool) *PostgresListingStore {
	return &PostgresListingStore{pool: pool}
}

// Save upserts a listing by market id.
func (s *PostgresListingStore) Save(ctx context.Context, rec *models.ListingRecord) error {
	listing, warnings, err := encodeListing(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settlement_listings (market_id, listing, warnings, listed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id) DO UPDATE
		SET listing = EXCLUDED.listing, warnings = EXCLUDED.warnings, listed_at = EXCLUDED.listed_at`,
		rec.Listing.MarketID, listing, warnings, rec.ListedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save listing %s: %w", rec.Listing.MarketID, err)
	}
	return nil
}

func (s *PostgresListingStore) Get(ctx context.Context, marketID string) (*models.ListingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT listing, warnings, listed_at FROM settlement_listings WHERE market_id = $1`, marketID)

	rec, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domrepo.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", marketID, err)
	}
	return rec, nil
}

// List returns the most recently listed markets first.
func (s *PostgresListingStore) List(ctx context.Context, limit int) ([]*models.ListingRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT listing, warnings, listed_at FROM settlement_listings ORDER BY listed_at DESC, market_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []*models.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeListing(rec *models.ListingRecord) ([]byte, []byte, error) {
	if rec == nil || rec.Listing.MarketID == "" {
		return nil, nil, fmt.Errorf("listing record requires a market id")
	}
	listing, err := json.Marshal(rec.Listing)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal listing: %w", err)
	}
	warnings := rec.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal warnings: %w", err)
	}
	return listing, w, nil
}

func scanListing(row pgx.Row) (*models.ListingRecord, error) {
	var (
		listing, warnings []byte
		listedAt          time.Time
	)
	if err := row.Scan(&listing, &warnings, &listedAt); err != nil {
		return nil, err
	}
	return decodeListing(listing, warnings, listedAt)
}

func decodeListing(listing, warnings []byte, listedAt time.Time) (*models.ListingRecord, error) {
	rec := &models.ListingRecord{ListedAt: listedAt.UTC(), Warnings: []string{}}
	if err := json.Unmarshal(listing, &rec.Listing); err != nil {
		return nil, fmt.Errorf("unmarshal listing: %w", err)
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &rec.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return rec, nil
}

// MemoryListingStore is a process-local listing store.
type MemoryListingStore struct {
	mu       sync.RWMutex
	listings map[string]*models.ListingRecord
}

func NewMemoryListingStore() *MemoryListingStore {
	return &MemoryListingStore{listings: make(map[string]*models.ListingRecord)}
}

func (s *MemoryListingStore) Save(_ context.Context, rec *models.ListingRecord) error {
	// round trip through JSON so callers cannot mutate stored state
	listing, warnings, err := encodeListing(rec)
	if err != nil {
		return err
	}
	stored, err := decodeListing(listing, warnings, rec.ListedAt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[rec.Listing.MarketID] = stored
	return nil
}

func (s *MemoryListingStore) Get(_ context.Context, marketID string) (*models.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.listings[marketID]
	if !ok {
		return nil, domrepo.ErrListingNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryListingStore) List(_ context.Context, limit int) ([]*models.ListingRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	out := make([]*models.ListingRecord, 0, len(s.listings))
	for _, rec := range s.listings {
		cp := *rec
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ListedAt.Equal(out[j].ListedAt) {
			return out[i].ListedAt.After(out[j].ListedAt)
		}
		return out[i].Listing.MarketID < out[j].Listing.MarketID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ domrepo.ListingStore = (*PostgresListingStore)(nil)
	_ domrepo.ListingStore = (*MemoryListingStore)(nil)
)
