package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_events (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	order_id    BIGINT      NOT NULL,
	type        TEXT        NOT NULL,
	from_status TEXT        NOT NULL DEFAULT '',
	to_status   TEXT        NOT NULL,
	driver_id   BIGINT,
	payload     JSONB       NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS order_events_run_order_idx ON order_events (run_id, order_id, id);
`

// PostgresJournal writes order events to Postgres. Order ids restart with
// every process and every reset, so rows are scoped by a run id that changes
// on both.
type PostgresJournal struct {
	db *sql.DB

	mu    sync.RWMutex
	runID string
}

func NewPostgresJournal(ctx context.Context, dsn, runID string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresJournal{db: db, runID: runID}, nil
}

// Migrate creates the journal table if needed.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// RunID is the scope new events are written under.
func (p *PostgresJournal) RunID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runID
}

// Reset starts a new run. Earlier rows stay in the table but no longer show
// up in History.
func (p *PostgresJournal) Reset() {
	p.mu.Lock()
	p.runID = uuid.NewString()
	p.mu.Unlock()
}

func (p *PostgresJournal) Record(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev.Order)
	if err != nil {
		return err
	}
	var driverID sql.NullInt64
	if ev.DriverID != nil {
		driverID = sql.NullInt64{Int64: *ev.DriverID, Valid: true}
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO order_events(run_id, order_id, type, from_status, to_status, driver_id, payload, at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.RunID(), ev.OrderID, ev.Type, string(ev.FromStatus), string(ev.ToStatus), driverID, payload, ev.At)
	return err
}

func (p *PostgresJournal) History(ctx context.Context, orderID int64) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT type, from_status, to_status, driver_id, payload, at FROM order_events WHERE run_id=$1 AND order_id=$2 ORDER BY id`,
		p.RunID(), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ev       models.Event
			from, to string
			driverID sql.NullInt64
			payload  []byte
		)
		if err := rows.Scan(&ev.Type, &from, &to, &driverID, &payload, &ev.At); err != nil {
			return nil, err
		}
		ev.OrderID = orderID
		ev.FromStatus = models.OrderStatus(from)
		ev.ToStatus = models.OrderStatus(to)
		if driverID.Valid {
			id := driverID.Int64
			ev.DriverID = &id
		}
		if err := json.Unmarshal(payload, &ev.Order); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresJournal) Close() error { return p.db.Close() }
