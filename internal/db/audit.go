package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/util"
)

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		client_id INTEGER,
		group_id INTEGER,
		detail TEXT NOT NULL DEFAULT '{}'
	)`

const auditIndex = `CREATE INDEX IF NOT EXISTS idx_audit_type_at ON audit_events(type, at)`

// AuditEntry is one recorded event.
type AuditEntry struct {
	ID       int64            `json:"id"`
	At       time.Time        `json:"at"`
	Type     events.EventType `json:"type"`
	Source   string           `json:"source"`
	ClientID *uint16          `json:"client_id,omitempty"`
	GroupID  *uint16          `json:"group_id,omitempty"`
	Detail   json.RawMessage  `json:"detail"`
}

// AuditLog appends session and group events to SQLite. It is write-mostly
// and never used to restore engine state.
type AuditLog struct {
	db     *Database
	logger zerolog.Logger
}

// auditedTypes are recorded; relay and violation events are left to metrics.
var auditedTypes = []events.EventType{
	events.EventClientConnecting,
	events.EventClientConnected,
	events.EventClientDisconnected,
	events.EventClientExpired,
	events.EventConnectionRejected,
	events.EventGroupCreated,
	events.EventGroupJoined,
	events.EventGroupLeft,
	events.EventInvitationRefused,
	events.EventGroupAbandoned,
	events.EventGroupDissolved,
	events.EventShutdown,
}

// NewAuditLog opens the audit database at path and creates its schema.
func NewAuditLog(ctx context.Context, path string) (*AuditLog, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, auditSchema, auditIndex); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return &AuditLog{db: database, logger: util.ComponentLogger("audit")}, nil
}

// Subscribe records bus events as they are emitted.
func (a *AuditLog) Subscribe(bus *events.EventBus) {
	bus.Subscribe("audit", func(ctx context.Context, event events.Event) error {
		return a.Record(ctx, event)
	}, auditedTypes...)
}

// Record appends one event.
func (a *AuditLog) Record(ctx context.Context, event events.Event) error {
	at := event.Time
	if at.IsZero() {
		at = time.Now()
	}

	var clientID, groupID interface{}
	switch p := event.Payload.(type) {
	case events.ClientPayload:
		clientID = int64(p.ClientID)
		groupID = int64(p.GroupID)
	case events.GroupPayload:
		groupID = int64(p.GroupID)
		if p.ClientID != 0 {
			clientID = int64(p.ClientID)
		}
	}

	detail := []byte("{}")
	if event.Payload != nil {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = b
	}

	_, err := a.db.Exec(ctx,
		`INSERT INTO audit_events (at, type, source, client_id, group_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), string(event.Type), event.Source, clientID, groupID, string(detail))
	if err != nil {
		a.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("failed to record audit event")
		return fmt.Errorf("failed to record %s: %w", event.Type, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty eventType
// returns all types.
func (a *AuditLog) Recent(ctx context.Context, eventType events.EventType, limit int) ([]AuditEntry, error) {
	query := `SELECT id, at, type, source, client_id, group_id, detail FROM audit_events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			atMillis int64
			typ      string
			clientID *int64
			groupID  *int64
			detail   string
		)
		if err := rows.Scan(&e.ID, &atMillis, &typ, &e.Source, &clientID, &groupID, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.At = time.UnixMilli(atMillis)
		e.Type = events.EventType(typ)
		e.ClientID = narrow(clientID)
		e.GroupID = narrow(groupID)
		e.Detail = json.RawMessage(detail)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (a *AuditLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.Exec(ctx, `DELETE FROM audit_events WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

func narrow(v *int64) *uint16 {
	if v == nil {
		return nil
	}
	u := uint16(*v)
	return &u
}
