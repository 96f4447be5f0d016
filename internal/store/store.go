// Package store persists regions and warnings and serves the historical
// context the pipeline reads. The schema is externally owned; the engine
// updates only regions.risk_level / last_updated_at and inserts warnings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// PipelineSource tags every warning written by the engine.
const PipelineSource = "warning_pipeline_v2"

// test-warning reason keywords excluded from snapshots and history counters
var testReasonKeywords = []string{"测试", "test", "debug"}

// test-warning source tags excluded the same way
var testSourcePrefixes = []string{"test", "seed", "debug_randomize"}

type Store struct {
	db            *sqlx.DB
	historyWindow time.Duration
}

func New(db *sqlx.DB, historyWindow time.Duration) *Store {
	if historyWindow <= 0 {
		historyWindow = 10 * 365 * 24 * time.Hour
	}
	return &Store{db: db, historyWindow: historyWindow}
}

func Open(dsn string, historyWindow time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return New(db, historyWindow), nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// notTestWarning builds the SQL fragment excluding seeded/test records.
// Placeholder numbering starts at argStart.
func notTestWarning(argStart int) (string, []any) {
	clause := ""
	args := make([]any, 0, len(testReasonKeywords)+len(testSourcePrefixes))
	n := argStart
	for _, kw := range testReasonKeywords {
		clause += fmt.Sprintf(" AND w.reason NOT ILIKE $%d", n)
		args = append(args, "%"+kw+"%")
		n++
	}
	for _, p := range testSourcePrefixes {
		clause += fmt.Sprintf(" AND w.source NOT ILIKE $%d", n)
		args = append(args, p+"%")
		n++
	}
	return clause, args
}

// ListRegions returns every region in stable code order.
func (s *Store) ListRegions(ctx context.Context) ([]model.Region, error) {
	var regions []model.Region
	err := s.db.SelectContext(ctx, &regions,
		`SELECT id, code, name, lat, lon, risk_level, last_updated_at
		 FROM regions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return regions, nil
}

// LoadStationMap reads the offline-built region-to-station mapping used by
// the station-based meteorology source.
func (s *Store) LoadStationMap(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT region_code, station_id FROM cma_station_map`)
	if err != nil {
		return nil, fmt.Errorf("load station map: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var code, station string
		if err := rows.Scan(&code, &station); err != nil {
			return nil, fmt.Errorf("scan station map: %w", err)
		}
		out[code] = station
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("station map rows: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns the most recent non-test warning committed strictly
// before the run-start timestamp, or nil when the region has none.
func (s *Store) LatestSnapshot(ctx context.Context, regionCode string, before time.Time) (*model.Snapshot, error) {
	filter, filterArgs := notTestWarning(3)
	query := `SELECT r.name, w.level, w.confidence, w.meteorology, w.created_at
		 FROM warnings w JOIN regions r ON r.id = w.region_id
		 WHERE r.code = $1 AND w.created_at < $2` + filter +
		` ORDER BY w.created_at DESC LIMIT 1`
	args := append([]any{regionCode, before}, filterArgs...)

	var (
		name        string
		level       string
		confidence  float64
		meteorology string
		createdAt   time.Time
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&name, &level, &confidence, &meteorology, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", regionCode, err)
	}

	snap := &model.Snapshot{
		RegionName: name,
		Level:      model.ParseLevel(level),
		Confidence: confidence,
		CreatedAt:  createdAt,
	}
	if meteorology != "" {
		var payload model.MeteorologyPayload
		if err := json.Unmarshal([]byte(meteorology), &payload); err == nil {
			snap.Meteorology = &payload
		}
	}
	return snap, nil
}

// CountActiveWarnings counts non-test warnings of level yellow or above
// within the rolling history window ending at before.
func (s *Store) CountActiveWarnings(ctx context.Context, regionCode string, before time.Time) (int, error) {
	filter, filterArgs := notTestWarning(4)
	query := `SELECT COUNT(*)
		 FROM warnings w JOIN regions r ON r.id = w.region_id
		 WHERE r.code = $1 AND w.created_at >= $2 AND w.created_at < $3
		 AND w.level IN ('yellow','orange','red')` + filter
	args := append([]any{regionCode, before.Add(-s.historyWindow), before}, filterArgs...)

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count warnings %s: %w", regionCode, err)
	}
	return n, nil
}

// LastEvent returns the newest active (yellow+) non-test warning as a
// history event.
func (s *Store) LastEvent(ctx context.Context, regionCode string, before time.Time) (*model.HistoryEvent, error) {
	filter, filterArgs := notTestWarning(3)
	query := `SELECT w.level, w.created_at
		 FROM warnings w JOIN regions r ON r.id = w.region_id
		 WHERE r.code = $1 AND w.created_at < $2
		 AND w.level IN ('yellow','orange','red')` + filter +
		` ORDER BY w.created_at DESC LIMIT 1`
	args := append([]any{regionCode, before}, filterArgs...)

	var (
		level     string
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&level, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event %s: %w", regionCode, err)
	}
	return &model.HistoryEvent{
		Date:     createdAt.Format("2006-01-02"),
		Severity: model.ParseLevel(level),
	}, nil
}

// CommitBatch writes one batch in a single transaction: region risk levels
// plus one new warning per decision. Retained decisions are skipped so a
// previous warning is never overwritten by a fabricated one.
func (s *Store) CommitBatch(ctx context.Context, at time.Time, decisions []model.Decision) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range decisions {
		if d.Retained {
			continue
		}

		meteorology, err := json.Marshal(d.Meteorology)
		if err != nil {
			return fmt.Errorf("encode meteorology %s: %w", d.RegionCode, err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE regions SET risk_level = $1, last_updated_at = $2 WHERE code = $3`,
			string(d.Level), at, d.RegionCode)
		if err != nil {
			return fmt.Errorf("update region %s: %w", d.RegionCode, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update region %s: no such region", d.RegionCode)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO warnings (region_id, level, reason, meteorology, confidence, created_at, source)
			 SELECT id, $2, $3, $4, $5, $6, $7 FROM regions WHERE code = $1`,
			d.RegionCode, string(d.Level), d.Reason, string(meteorology), d.Confidence, at, PipelineSource)
		if err != nil {
			return fmt.Errorf("insert warning %s: %w", d.RegionCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
