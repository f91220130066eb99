package keeper

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event kinds recorded in the journal.
const (
	EventReport  = "report"
	EventTend    = "tend"
	EventDeposit = "deposit"
	EventRedeem  = "redeem"
)

// Event is one journaled strategy operation. Monetary fields are base-10
// strings of the underlying's smallest unit; empty when not applicable.
type Event struct {
	ID            string    `json:"id"`
	OccurredAt    time.Time `json:"occurredAt"`
	Kind          string    `json:"kind"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Profit        string    `json:"profit,omitempty"`
	Loss          string    `json:"loss,omitempty"`
	PricePerShare string    `json:"pricePerShare,omitempty"`
	TotalAssets   string    `json:"totalAssets,omitempty"`
}

// Journal persists the operation history for audits and the history API.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (and initializes) the journal database at path. Use
// ":memory:" for an ephemeral journal.
func NewJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := `CREATE TABLE IF NOT EXISTS events (
        id TEXT PRIMARY KEY,
        occurred_at TIMESTAMP NOT NULL,
        kind TEXT NOT NULL,
        outcome TEXT NOT NULL,
        detail TEXT,
        amount TEXT,
        profit TEXT,
        loss TEXT,
        price_per_share TEXT,
        total_assets TEXT
    );`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	if _, err := j.db.Exec(`CREATE INDEX IF NOT EXISTS events_occurred_at ON events(occurred_at);`); err != nil {
		return fmt.Errorf("init journal index: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record persists an event, assigning an ID and timestamp when absent.
func (j *Journal) Record(ctx context.Context, event Event) error {
	if j == nil || j.db == nil {
		return nil
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, occurred_at, kind, outcome, detail, amount, profit, loss, price_per_share, total_assets)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OccurredAt, event.Kind, event.Outcome, event.Detail,
		event.Amount, event.Profit, event.Loss, event.PricePerShare, event.TotalAssets,
	)
	if err != nil {
		return fmt.Errorf("record journal event: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, occurred_at, kind, outcome, detail, amount, profit, loss, price_per_share, total_assets
         FROM events ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.Kind, &ev.Outcome, &ev.Detail,
			&ev.Amount, &ev.Profit, &ev.Loss, &ev.PricePerShare, &ev.TotalAssets); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
