package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// PostgresMirror keeps a best-effort fleet-wide copy of every plan this
// box persists, for cross-box reporting and audit. It is never
// authoritative: the file-backed Store always wins on disagreement, and
// a mirror write failure never fails the caller's plan operation,
// following scheduler/mpc_persistence.go's upsert-by-timestamp shape
// adapted from mpc_decisions (one row per hour) to plans (one row per
// plan_id, replaced wholesale on every write).
type PostgresMirror struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresMirror opens dsn and ensures the plans table exists.
func NewPostgresMirror(dsn string, logger *log.Logger) (*PostgresMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			plan_id                TEXT PRIMARY KEY,
			kind                   TEXT NOT NULL,
			status                 TEXT NOT NULL,
			created_ts             TIMESTAMPTZ NOT NULL,
			activated_ts           TIMESTAMPTZ,
			deactivated_ts         TIMESTAMPTZ,
			total_cost_czk         DOUBLE PRECISION NOT NULL,
			externally_overridden  BOOLEAN NOT NULL,
			payload                JSONB NOT NULL,
			mirrored_ts            TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure plans table: %w", err)
	}

	return &PostgresMirror{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (m *PostgresMirror) Close() error {
	return m.db.Close()
}

// Upsert writes plan's current state, replacing any prior row with the
// same plan_id.
func (m *PostgresMirror) Upsert(ctx context.Context, plan types.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan for mirror: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO plans (
			plan_id, kind, status, created_ts, activated_ts, deactivated_ts,
			total_cost_czk, externally_overridden, payload, mirrored_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (plan_id) DO UPDATE SET
			kind                  = EXCLUDED.kind,
			status                = EXCLUDED.status,
			activated_ts          = EXCLUDED.activated_ts,
			deactivated_ts        = EXCLUDED.deactivated_ts,
			total_cost_czk        = EXCLUDED.total_cost_czk,
			externally_overridden = EXCLUDED.externally_overridden,
			payload               = EXCLUDED.payload,
			mirrored_ts           = EXCLUDED.mirrored_ts
	`,
		plan.PlanID, plan.Kind.String(), plan.Status.String(), plan.CreatedTS,
		plan.ActivatedTS, plan.DeactivatedTS, plan.TotalCostCZK,
		plan.ExternallyOverridden, payload, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mirrored plan %s: %w", plan.PlanID, err)
	}
	return nil
}

// mirror writes plan to the mirror if one is configured, logging (but not
// propagating) any failure: the mirror is a reporting convenience, never
// a write-path dependency.
func (s *Store) mirror(plan types.Plan) {
	if s.pg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pg.Upsert(ctx, plan); err != nil && s.logger != nil {
		s.logger.Printf("planstore: mirror write failed: %v", err)
	}
}
