package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
)

// insertTimeout bounds a single event insert.
const insertTimeout = 5 * time.Second

// Writer appends events to the log. It observes both the registry and the
// server; a failed insert is logged and dropped.
type Writer struct {
	db     *sql.DB
	logger pslog.Logger
}

// Open creates or opens the event database at path with WAL journaling and
// a 5-second busy timeout, and applies protocol.SchemaDDL.
func Open(path string, logger pslog.Logger) (*Writer, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return &Writer{db: db, logger: logger.With("sys", "eventlog")}, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

// Query reads back events through the writer's own connection.
func (w *Writer) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return queryEvents(ctx, w.db, opts)
}

type transitionPayload struct {
	From   protocol.Status `json:"from,omitempty"`
	PID    int             `json:"pid,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Observe implements registry.Observer.
func (w *Writer) Observe(ev registry.Event) {
	payload := transitionPayload{From: ev.From, PID: ev.PID, Reason: ev.Reason}
	w.insert(ev.Type, "registry", ev.Index, string(ev.To), ev.Port, payload, ev.At)
}

type requestPayload struct {
	ReqID      string             `json:"req_id,omitempty"`
	Remote     string             `json:"remote,omitempty"`
	User       string             `json:"user,omitempty"`
	Op         string             `json:"op,omitempty"`
	Kind       protocol.ErrorKind `json:"kind,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// ObserveRequest implements server.RequestObserver.
func (w *Writer) ObserveRequest(ev protocol.RequestEvent) {
	payload := requestPayload{
		ReqID:      ev.ReqID,
		Remote:     ev.Remote,
		User:       ev.User,
		Op:         ev.Op,
		Kind:       ev.Kind,
		DurationMS: ev.Duration.Milliseconds(),
	}
	w.insert(protocol.EventRequest, "server", ev.Index, ev.Status, 0, payload, ev.At)
}

func (w *Writer) insert(evType, source, index, status string, port int, payload any, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("eventlog.encode.error", "type", evType, "index", index, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, index_name, status, port, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evType, source, index, status, port, string(body), at.UTC().Format(sqliteTime),
	)
	if err != nil {
		w.logger.Warn("eventlog.insert.error", "type", evType, "index", index, "error", err)
	}
}
