package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"walksync/internal/api"
	"walksync/internal/errs"
	"walksync/internal/outbox"
	"walksync/internal/walk"
)

// Resync replays the queued backlog for every session that has one. Each
// session's operations go out in enqueue order under their original
// idempotency keys, so a replay interrupted by another outage resumes
// without duplicating work.
func (r *Repository) Resync(ctx context.Context) error {
	return r.resyncAll(ctx)
}

func (r *Repository) resyncAll(ctx context.Context) error {
	sessions, err := r.outbox.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range sessions {
		if err := r.replaySession(ctx, id); err != nil {
			// a transport failure mid-replay means we are offline
			// again; the rest of the backlog waits for the next edge
			if retriable(err) {
				r.log.Info("replay interrupted, backlog retained",
					zap.String("session_id", id), zap.Error(err))
				return err
			}
			return err
		}
	}
	return nil
}

func (r *Repository) replaySession(ctx context.Context, sessionID string) error {
	// the session ID can change mid-replay when the remote assigns its
	// own ID to a queued create; follow it
	current := sessionID
	for {
		ops, err := r.outbox.Pending(ctx, current)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			// backlog drained; anything still sitting in the batcher
			// may now follow it out
			r.flushRemainder(ctx, current)
			return nil
		}
		op := ops[0]

		applied, err := r.outbox.Applied(ctx, op)
		if err != nil {
			return err
		}
		if applied {
			// delivered on a previous replay that crashed before
			// trimming the queue
			if err := r.outbox.MarkApplied(ctx, op); err != nil {
				return err
			}
			continue
		}

		next, done, err := r.replayOp(ctx, op)
		if err != nil {
			return err
		}
		if !done {
			// conflict cleared the whole backlog for this session
			return nil
		}
		r.met.Inc(metricOrNil(r.met).OpsReplayed)
		current = next
	}
}

// replayOp pushes one queued operation to the remote. It returns the
// session ID the backlog now lives under, and done=false when a definite
// rejection abandoned the session's remaining backlog.
func (r *Repository) replayOp(ctx context.Context, op outbox.Op) (string, bool, error) {
	switch op.Kind {
	case outbox.KindCreate:
		return r.replayCreate(ctx, op)
	case outbox.KindStatus:
		done, err := r.replayStatus(ctx, op)
		return op.SessionID, done, err
	case outbox.KindLocations:
		done, err := r.replayLocations(ctx, op)
		return op.SessionID, done, err
	case outbox.KindMedia:
		done, err := r.replayMedia(ctx, op)
		return op.SessionID, done, err
	default:
		r.log.Warn("dropping queued operation of unknown kind",
			zap.String("kind", string(op.Kind)), zap.String("op_id", op.ID))
		return op.SessionID, true, r.outbox.MarkApplied(ctx, op)
	}
}

// replayCreate sends a queued session creation. A rejection means the
// session never existed remotely; the rest of its backlog is meaningless,
// so the queue is cleared while the local record stays readable.
func (r *Repository) replayCreate(ctx context.Context, op outbox.Op) (string, bool, error) {
	if op.Session == nil {
		return op.SessionID, true, r.outbox.MarkApplied(ctx, op)
	}

	resp, err := r.api.Do(ctx, api.Request{
		Method:         http.MethodPost,
		Path:           "/walks",
		Body:           *op.Session,
		IdempotencyKey: op.ID,
	})
	if err != nil {
		if retriable(err) {
			return op.SessionID, false, err
		}
		r.met.Inc(metricOrNil(r.met).Conflicts)
		conflict := &errs.ConflictError{SessionID: op.SessionID, Reason: rejectionReason(err)}
		if err := r.outbox.Clear(ctx, op.SessionID); err != nil {
			return op.SessionID, false, err
		}
		r.mu.Lock()
		s, _ := r.loadLocal(ctx, op.SessionID)
		r.mu.Unlock()
		r.events.emitFailure(s, conflict)
		return op.SessionID, false, nil
	}

	canonical, err := decodeSession(resp.Data)
	if err != nil {
		return op.SessionID, false, err
	}
	if err := r.outbox.MarkApplied(ctx, op); err != nil {
		return op.SessionID, false, err
	}
	canonical, err = r.adoptCanonical(ctx, op.SessionID, canonical)
	if err != nil {
		return op.SessionID, false, err
	}
	r.events.emitUpdate(canonical)
	return canonical.ID, true, nil
}

func (r *Repository) replayStatus(ctx context.Context, op outbox.Op) (bool, error) {
	resp, err := r.api.Do(ctx, api.Request{
		Method:         http.MethodPut,
		Path:           "/walks/" + op.SessionID + "/status",
		Body:           map[string]walk.Status{"status": op.Status},
		IdempotencyKey: op.ID,
	})
	if err != nil {
		if retriable(err) {
			return false, err
		}
		// the server refused the transition; its view wins
		r.met.Inc(metricOrNil(r.met).Conflicts)
		r.mu.Lock()
		s, _ := r.loadLocal(ctx, op.SessionID)
		r.mu.Unlock()
		r.events.emitFailure(s, asConflict(op.SessionID, err))
		return true, r.outbox.MarkApplied(ctx, op)
	}

	canonical, err := decodeSession(resp.Data)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	if local, lerr := r.loadLocal(ctx, op.SessionID); lerr == nil {
		canonical = mergeCanonical(local, canonical)
	}
	saveErr := r.saveLocal(ctx, canonical)
	r.mu.Unlock()
	if saveErr != nil {
		return false, saveErr
	}
	if err := r.outbox.MarkApplied(ctx, op); err != nil {
		return false, err
	}
	r.events.emitUpdate(canonical)
	return true, nil
}

func (r *Repository) replayLocations(ctx context.Context, op outbox.Op) (bool, error) {
	_, err := r.api.Do(ctx, api.Request{
		Method:         http.MethodPost,
		Path:           "/walks/" + op.SessionID + "/locations",
		Body:           map[string]any{"samples": op.Samples},
		IdempotencyKey: op.ID,
	})
	if err != nil {
		if retriable(err) {
			return false, err
		}
		r.met.Inc(metricOrNil(r.met).Conflicts)
		r.log.Warn("remote rejected queued location batch",
			zap.String("session_id", op.SessionID),
			zap.Int("samples", len(op.Samples)),
			zap.Error(err))
		return true, r.outbox.MarkApplied(ctx, op)
	}
	return true, r.outbox.MarkApplied(ctx, op)
}

func (r *Repository) replayMedia(ctx context.Context, op outbox.Op) (bool, error) {
	data, ok, err := r.store.Get(ctx, "media:"+op.MediaRef)
	if err != nil {
		return false, err
	}
	if !ok {
		r.log.Warn("queued media payload missing, dropping",
			zap.String("session_id", op.SessionID), zap.String("ref", op.MediaRef))
		return true, r.outbox.MarkApplied(ctx, op)
	}

	var meta MediaMeta
	if op.MediaMeta != "" {
		_ = json.Unmarshal([]byte(op.MediaMeta), &meta)
	}

	resp, err := r.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/walks/" + op.SessionID + "/media",
		Body: map[string]string{
			"filename":     meta.Filename,
			"content_type": meta.ContentType,
			"data":         base64.StdEncoding.EncodeToString(data),
		},
		IdempotencyKey: op.ID,
	})
	if err != nil {
		if retriable(err) {
			return false, err
		}
		r.met.Inc(metricOrNil(r.met).Conflicts)
		r.mu.Lock()
		s, _ := r.loadLocal(ctx, op.SessionID)
		r.mu.Unlock()
		r.events.emitFailure(s, asConflict(op.SessionID, err))
		return true, r.outbox.MarkApplied(ctx, op)
	}

	ref, err := decodeMediaRef(resp.Data)
	if err != nil {
		return false, err
	}
	if err := r.swapMediaRef(ctx, op.SessionID, op.MediaRef, ref); err != nil {
		return false, err
	}
	if err := r.store.Delete(ctx, "media:"+op.MediaRef); err != nil {
		return false, err
	}
	return true, r.outbox.MarkApplied(ctx, op)
}

func (r *Repository) flushRemainder(ctx context.Context, sessionID string) {
	r.mu.Lock()
	b := r.batchers[sessionID]
	r.mu.Unlock()
	if b == nil || b.Len() == 0 {
		return
	}
	remainder := b.Flush()
	if len(remainder) == 0 {
		return
	}
	r.met.Inc(metricOrNil(r.met).BatchesFlushed)
	r.dispatchBatch(ctx, sessionID, remainder)
}

func rejectionReason(err error) string {
	var apiErr *errs.ApiError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// swapMediaRef replaces a local placeholder reference with the server's.
func (r *Repository) swapMediaRef(ctx context.Context, sessionID, oldRef, newRef string) error {
	r.mu.Lock()
	s, err := r.loadLocal(ctx, sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	for i, ref := range s.MediaRefs {
		if ref == oldRef {
			s.MediaRefs[i] = newRef
		}
	}
	if err := r.saveLocal(ctx, s); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	r.events.emitUpdate(s)
	return nil
}
