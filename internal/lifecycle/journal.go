package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/markus-barta/routedeck/internal/routes"
)

// Journal is a SQLite-backed Recorder for lifecycle outcomes. Telemetry is
// never written here.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS route_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id TEXT NOT NULL,
		destination_id TEXT,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		status TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_route_actions_route ON route_actions(route_id);
	CREATE INDEX IF NOT EXISTS idx_route_actions_time ON route_actions(recorded_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Record stores one entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO route_actions (route_id, destination_id, action, outcome, status, level, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RouteID, e.DestinationID, string(e.Action), string(e.Outcome),
		string(e.Status), string(e.Level), e.Message, e.At.UTC().Format(time.RFC3339Nano))
	return err
}

// History returns up to limit entries for a route, newest first.
func (j *Journal) History(ctx context.Context, routeID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT route_id, COALESCE(destination_id, ''), action, outcome, status, level, COALESCE(message, ''), recorded_at
		FROM route_actions
		WHERE route_id = ?
		ORDER BY id DESC
		LIMIT ?`, routeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var action, outcome, status, level, at string
		if err := rows.Scan(&e.RouteID, &e.DestinationID, &action, &outcome, &status, &level, &e.Message, &at); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		e.Status = routes.ParseStatus(status)
		e.Level = Level(level)
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ Recorder = (*Journal)(nil)
