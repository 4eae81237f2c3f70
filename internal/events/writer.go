package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// ScopeKey builds the change-feed routing key for an actor scope,
// e.g. "coordinator:c1" or "form:f123".
func ScopeKey(kind, id string) string {
	return kind + ":" + id
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, formID, resourceKind, resourceID, scopeKey, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,form_id,resource_kind,resource_id,scope_key,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(formID), resourceKind, nullable(resourceID), nullable(scopeKey), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
