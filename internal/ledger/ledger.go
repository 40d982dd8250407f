// Package ledger keeps an append-only audit trail of what each area did.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/eventbus"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventPresence      EventType = EventType(eventbus.EventTypePresence)
	EventTransition    EventType = EventType(eventbus.EventTypeTransition)
	EventOverride      EventType = EventType(eventbus.EventTypeOverride)
	EventCommandFailed EventType = EventType(eventbus.EventTypeCommandFailed)
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Area      string         `json:"area"`
	Chain     string         `json:"chain,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Ledger provides append-only event logging
type Ledger struct {
	db    *sql.DB
	clock clock.Clock
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{db: db, clock: clk}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(eventType EventType, area, chain string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	now := l.clock.Now().UTC().Unix()
	_, err = l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, area, chain, payload) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), now, area, chain, string(payloadJSON),
	)
	return err
}

// Record is an eventbus handler that appends area notifications.
func (l *Ledger) Record(e eventbus.Event) {
	area, _ := e.Data["area"].(string)
	chain, _ := e.Data["chain"].(string)

	payload := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if k == "area" || k == "chain" {
			continue
		}
		payload[k] = v
	}

	if err := l.Append(EventType(e.Type), area, chain, payload); err != nil {
		log.Error().Err(err).Str("event_type", string(e.Type)).Str("area", area).Msg("Failed to write ledger entry")
	}
}

// GetByArea returns the newest entries for one area
func (l *Ledger) GetByArea(area string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, area, chain, payload
		FROM event_ledger
		WHERE area = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, area, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, area, chain, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.clock.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, chain sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &entry.Area, &chain, &payloadStr)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if chain.Valid {
			entry.Chain = chain.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
