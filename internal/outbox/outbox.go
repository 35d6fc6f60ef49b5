// Package outbox persists operations that could not reach the remote, in
// the order they were enqueued, so the repository can replay them when
// connectivity returns. Replay is idempotent per operation ID: applied IDs
// are recorded and skipped if a crash forces a second replay.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"walksync/internal/store"
	"walksync/internal/walk"
)

type Kind string

const (
	KindCreate    Kind = "create"
	KindStatus    Kind = "status"
	KindLocations Kind = "locations"
	KindMedia     Kind = "media"
)

// Op is one queued operation. Exactly one payload field is set per kind.
type Op struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"session_id"`
	Session   *walk.Session `json:"session,omitempty"`
	Status    walk.Status   `json:"status,omitempty"`
	Samples   []walk.Sample `json:"samples,omitempty"`
	MediaRef  string        `json:"media_ref,omitempty"`
	MediaMeta string        `json:"media_meta,omitempty"`
}

type Outbox struct {
	mu    sync.Mutex
	store store.Store
}

func New(st store.Store) *Outbox {
	return &Outbox{store: st}
}

func queueKey(sessionID string) string   { return "outbox:" + sessionID }
func appliedKey(sessionID string) string { return "outbox-applied:" + sessionID }

const indexKey = "outbox:sessions"

// Enqueue appends op to the session's queue, assigning an ID if missing.
func (o *Outbox) Enqueue(ctx context.Context, op Op) (Op, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	ops, err := o.load(ctx, op.SessionID)
	if err != nil {
		return Op{}, err
	}
	ops = append(ops, op)
	return op, o.save(ctx, op.SessionID, ops)
}

// Pending returns the session's queued operations in enqueue order.
func (o *Outbox) Pending(ctx context.Context, sessionID string) ([]Op, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx, sessionID)
}

// MarkApplied records op as confirmed by the remote and drops it from the
// queue. Recording survives independently of the queue so a crash between
// remote application and queue trim cannot cause a double apply.
func (o *Outbox) MarkApplied(ctx context.Context, op Op) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	applied, err := o.loadApplied(ctx, op.SessionID)
	if err != nil {
		return err
	}
	applied[op.ID] = true
	if err := o.saveApplied(ctx, op.SessionID, applied); err != nil {
		return err
	}

	ops, err := o.load(ctx, op.SessionID)
	if err != nil {
		return err
	}
	kept := ops[:0]
	for _, q := range ops {
		if q.ID != op.ID {
			kept = append(kept, q)
		}
	}
	return o.save(ctx, op.SessionID, kept)
}

// Applied reports whether op was already confirmed by the remote.
func (o *Outbox) Applied(ctx context.Context, op Op) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	applied, err := o.loadApplied(ctx, op.SessionID)
	if err != nil {
		return false, err
	}
	return applied[op.ID], nil
}

// HasPending reports whether the session still has queued operations.
// The repository uses it to keep queued (older) operations ahead of any
// new live publish.
func (o *Outbox) HasPending(ctx context.Context, sessionID string) (bool, error) {
	ops, err := o.Pending(ctx, sessionID)
	return len(ops) > 0, err
}

// Sessions lists every session with a non-empty queue, for replay.
func (o *Outbox) Sessions(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadIndex(ctx)
}

// Clear drops the session's queue and applied set, e.g. after the remote
// rejected a queued create and the session can never materialize.
func (o *Outbox) Clear(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.save(ctx, sessionID, nil); err != nil {
		return err
	}
	return o.store.Delete(ctx, appliedKey(sessionID))
}

// Rekey moves a session's queue under a server-assigned identifier after a
// replayed create came back with a different ID.
func (o *Outbox) Rekey(ctx context.Context, oldID, newID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ops, err := o.load(ctx, oldID)
	if err != nil {
		return err
	}
	for i := range ops {
		ops[i].SessionID = newID
		for j := range ops[i].Samples {
			ops[i].Samples[j].SessionID = newID
		}
	}
	if err := o.save(ctx, newID, ops); err != nil {
		return err
	}

	applied, err := o.loadApplied(ctx, oldID)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		if err := o.saveApplied(ctx, newID, applied); err != nil {
			return err
		}
	}

	if err := o.save(ctx, oldID, nil); err != nil {
		return err
	}
	return o.store.Delete(ctx, appliedKey(oldID))
}

func (o *Outbox) load(ctx context.Context, sessionID string) ([]Op, error) {
	raw, ok, err := o.store.Get(ctx, queueKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ops []Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return ops, nil
}

func (o *Outbox) save(ctx context.Context, sessionID string, ops []Op) error {
	if len(ops) == 0 {
		if err := o.store.Delete(ctx, queueKey(sessionID)); err != nil {
			return err
		}
		return o.updateIndex(ctx, sessionID, false)
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	if err := o.store.Set(ctx, queueKey(sessionID), raw); err != nil {
		return err
	}
	return o.updateIndex(ctx, sessionID, true)
}

func (o *Outbox) loadIndex(ctx context.Context) ([]string, error) {
	raw, ok, err := o.store.Get(ctx, indexKey)
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode outbox index: %w", err)
	}
	return ids, nil
}

func (o *Outbox) updateIndex(ctx context.Context, sessionID string, present bool) error {
	ids, err := o.loadIndex(ctx)
	if err != nil {
		return err
	}
	found := -1
	for i, id := range ids {
		if id == sessionID {
			found = i
			break
		}
	}
	switch {
	case present && found < 0:
		ids = append(ids, sessionID)
	case !present && found >= 0:
		ids = append(ids[:found], ids[found+1:]...)
	default:
		return nil
	}
	if len(ids) == 0 {
		return o.store.Delete(ctx, indexKey)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, indexKey, raw)
}

func (o *Outbox) loadApplied(ctx context.Context, sessionID string) (map[string]bool, error) {
	raw, ok, err := o.store.Get(ctx, appliedKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load applied set: %w", err)
	}
	applied := make(map[string]bool)
	if ok {
		if err := json.Unmarshal(raw, &applied); err != nil {
			return nil, fmt.Errorf("decode applied set: %w", err)
		}
	}
	return applied, nil
}

func (o *Outbox) saveApplied(ctx context.Context, sessionID string, applied map[string]bool) error {
	raw, err := json.Marshal(applied)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, appliedKey(sessionID), raw)
}
