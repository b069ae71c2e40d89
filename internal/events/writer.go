package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds appended by the engine.
const (
	KindVerdictRendered = "verdict.rendered"
	KindRunRegistered   = "run.registered"
	KindRunJudged       = "run.judged"
	KindRunStopped      = "run.stopped"
	KindAPIKeyCreated   = "apikey.created"
	KindAPIKeyRevoked   = "apikey.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside the caller's transaction so the
// event lands only if the mutation it describes commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, entity, entityID, actor string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(kind,entity,entity_id,actor,payload,created_at) VALUES (?,?,?,?,?,?)`,
		kind, entity, entityID, actor, string(data), ts)
	return err
}
