package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RunStarted        = "run.started"
	RunBlocked        = "run.blocked"
	RunUnblocked      = "run.unblocked"
	RunTransition     = "run.transition"
	RunRejected       = "run.rejected"
	RunEscalated      = "run.escalated"
	RunAborted        = "run.aborted"
	RunCompleted      = "run.completed"
	GateUpdated       = "gate.updated"
	ContractViolated  = "contract.violation"
	MemoryRetrieve    = "memory.retrieve"
	MemoryStore       = "memory.store"
	MemoryViolation   = "memory.violation"
	MemoryPromoted    = "memory.promoted"
	MemoryConflict    = "memory.conflict"
	EscalationDecided = "escalation.decided"
	EscalationDeadlk  = "escalation.deadlock"
	PatternFlagged    = "pattern.flagged"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one audit row to append.
type Event struct {
	Type       string
	RunID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes evt through ex, or through w.DB when ex is nil.
func (w Writer) Append(ctx context.Context, ex Execer, evt Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		if w.DB == nil {
			return nil
		}
		ex = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := evt.ActorID
	if actor == "" {
		actor = "engine"
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.RunID), evt.EntityKind, nullable(evt.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
