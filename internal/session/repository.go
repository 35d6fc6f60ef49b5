// Package session owns the walk lifecycle: creation, status transitions,
// location ingestion, media attachment, and reconciliation of locally
// optimistic state against the authoritative remote. Writes succeed locally
// first; the remote catches up when connectivity allows, and the remote's
// view wins whenever the two disagree.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"walksync/internal/api"
	"walksync/internal/auth"
	"walksync/internal/batch"
	"walksync/internal/connectivity"
	"walksync/internal/errs"
	"walksync/internal/geo"
	"walksync/internal/history"
	"walksync/internal/metrics"
	"walksync/internal/outbox"
	"walksync/internal/store"
	"walksync/internal/walk"
)

const (
	topicLocationBatch = "location_batch"

	// localMediaPrefix marks media references that only exist on this
	// device until their upload replays.
	localMediaPrefix = "local:"
)

// Channel is the live transport the repository publishes batches over.
type Channel interface {
	Connect(ctx context.Context, sessionID, token string) error
	Publish(topic string, payload any) error
	Disconnect()
}

type Config struct {
	BatchThreshold int
	MaxMediaBytes  int64
	AuthToken      string
}

type CreateRequest struct {
	OwnerID     string    `json:"owner_id"`
	WalkerID    string    `json:"walker_id"`
	DogID       string    `json:"dog_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Price       float64   `json:"price"`
}

type MediaMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Summary describes a finished walk.
type Summary struct {
	SessionID       string  `json:"session_id"`
	PointCount      int     `json:"point_count"`
	DistanceM       float64 `json:"distance_m"`
	DurationSec     int64   `json:"duration_sec"`
	AverageSpeedMps float64 `json:"average_speed_mps"`
}

type Repository struct {
	cfg     Config
	api     api.Client
	store   store.Store
	tracker *connectivity.Tracker
	channel Channel
	history *history.Store
	outbox  *outbox.Outbox
	log     *zap.Logger
	met     *metrics.Metrics

	// mu guards local-store interactions, batchers, and lastFix. It is
	// never held across network I/O.
	mu       sync.Mutex
	batchers map[string]*batch.Batcher
	lastFix  map[string]walk.Sample

	events      *eventBus
	removeWatch func()
}

func NewRepository(
	cfg Config,
	apiClient api.Client,
	st store.Store,
	tracker *connectivity.Tracker,
	ch Channel,
	hist *history.Store,
	ob *outbox.Outbox,
	log *zap.Logger,
	met *metrics.Metrics,
) *Repository {
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 10
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = 20 * 1024 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Repository{
		cfg:      cfg,
		api:      apiClient,
		store:    st,
		tracker:  tracker,
		channel:  ch,
		history:  hist,
		outbox:   ob,
		log:      log,
		met:      met,
		batchers: make(map[string]*batch.Batcher),
		lastFix:  make(map[string]walk.Sample),
	}
	r.events = newEventBus(log)
	if tracker != nil {
		r.removeWatch = tracker.Watch(func(offline bool) {
			if !offline {
				r.resyncAll(context.Background())
			}
		})
	}
	return r
}

// Close detaches the repository from its collaborators. The repository
// owns the channel for its lifetime, so the channel goes down with it.
func (r *Repository) Close() {
	if r.removeWatch != nil {
		r.removeWatch()
	}
	if r.channel != nil {
		r.channel.Disconnect()
	}
}

// Updates subscribes fn to the session update stream. Each event carries
// the current canonical-or-optimistic snapshot.
func (r *Repository) Updates(fn func(walk.Session)) (remove func()) {
	return r.events.subscribeUpdate(fn)
}

// ReconcileFailures subscribes fn to conflicts discovered during replay.
func (r *Repository) ReconcileFailures(fn func(walk.Session, error)) (remove func()) {
	return r.events.subscribeFailure(fn)
}

// ConnectLive brings up the real-time channel for a session after checking
// the token has not already expired.
func (r *Repository) ConnectLive(ctx context.Context, sessionID string) error {
	if r.channel == nil {
		return &errs.ChannelError{Message: "no channel configured"}
	}
	if _, err := auth.Inspect(r.cfg.AuthToken); err != nil {
		return err
	}
	return r.channel.Connect(ctx, sessionID, r.cfg.AuthToken)
}

// CreateSession validates the request, writes an optimistic local record,
// and pushes it to the remote when online. Offline creation queues the
// operation and returns the optimistic record so the caller stays
// responsive; a later remote rejection surfaces on ReconcileFailures.
func (r *Repository) CreateSession(ctx context.Context, req CreateRequest) (walk.Session, error) {
	if req.OwnerID == "" {
		return walk.Session{}, &errs.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if req.WalkerID == "" {
		return walk.Session{}, &errs.ValidationError{Field: "walker_id", Reason: "required"}
	}
	if req.DogID == "" {
		return walk.Session{}, &errs.ValidationError{Field: "dog_id", Reason: "required"}
	}

	s := walk.Session{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		WalkerID:    req.WalkerID,
		DogID:       req.DogID,
		ScheduledAt: req.ScheduledAt,
		Price:       req.Price,
		Status:      walk.StatusRequested,
	}
	if s.ScheduledAt.IsZero() {
		s.ScheduledAt = time.Now().UTC()
	}

	r.mu.Lock()
	err := r.saveLocal(ctx, s)
	r.mu.Unlock()
	if err != nil {
		return walk.Session{}, err
	}
	if r.history != nil {
		r.history.StartSession(s.ID)
	}

	if r.offline() {
		if err := r.queueOp(ctx, outbox.Op{Kind: outbox.KindCreate, SessionID: s.ID, Session: &s}); err != nil {
			return walk.Session{}, err
		}
		r.events.emitUpdate(s)
		return s, nil
	}

	resp, err := r.api.Do(ctx, api.Request{
		Method:         http.MethodPost,
		Path:           "/walks",
		Body:           s,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		if retriable(err) {
			if qerr := r.queueOp(ctx, outbox.Op{Kind: outbox.KindCreate, SessionID: s.ID, Session: &s}); qerr != nil {
				return walk.Session{}, qerr
			}
			r.events.emitUpdate(s)
			return s, nil
		}
		return walk.Session{}, err
	}

	canonical, err := decodeSession(resp.Data)
	if err != nil {
		return walk.Session{}, err
	}
	canonical, err = r.adoptCanonical(ctx, s.ID, canonical)
	if err != nil {
		return walk.Session{}, err
	}
	r.events.emitUpdate(canonical)
	return canonical, nil
}

// UpdateStatus applies a validated transition locally, then reconciles
// with the remote when online. The server's response is authoritative
// even when it disagrees with the local guess.
func (r *Repository) UpdateStatus(ctx context.Context, sessionID string, status walk.Status) (walk.Session, error) {
	r.mu.Lock()
	s, err := r.loadLocal(ctx, sessionID)
	if err != nil {
		r.mu.Unlock()
		return walk.Session{}, err
	}
	if err := s.Transition(status); err != nil {
		r.mu.Unlock()
		return walk.Session{}, err
	}
	if status.Terminal() || status == walk.StatusEmergency {
		s.EndedAt = time.Now().UTC()
	}
	if err := r.saveLocal(ctx, s); err != nil {
		r.mu.Unlock()
		return walk.Session{}, err
	}
	r.mu.Unlock()

	if r.offline() {
		if err := r.queueOp(ctx, outbox.Op{Kind: outbox.KindStatus, SessionID: sessionID, Status: status}); err != nil {
			return walk.Session{}, err
		}
		r.events.emitUpdate(s)
		return s, nil
	}

	resp, err := r.api.Do(ctx, api.Request{
		Method:         http.MethodPut,
		Path:           "/walks/" + sessionID + "/status",
		Body:           map[string]walk.Status{"status": status},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		if retriable(err) {
			if qerr := r.queueOp(ctx, outbox.Op{Kind: outbox.KindStatus, SessionID: sessionID, Status: status}); qerr != nil {
				return walk.Session{}, qerr
			}
			r.events.emitUpdate(s)
			return s, nil
		}
		return walk.Session{}, asConflict(sessionID, err)
	}

	canonical, err := decodeSession(resp.Data)
	if err != nil {
		return walk.Session{}, err
	}
	canonical = mergeCanonical(s, canonical)
	r.mu.Lock()
	err = r.saveLocal(ctx, canonical)
	r.mu.Unlock()
	if err != nil {
		return walk.Session{}, err
	}
	r.events.emitUpdate(canonical)
	return canonical, nil
}

// AddLocation buffers a validated sample and hands full batches to the
// live channel, or to the outbox while offline. It never blocks on
// network I/O; buffering locally is the whole operation.
func (r *Repository) AddLocation(ctx context.Context, sessionID string, sample walk.Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	sample.SessionID = sessionID

	r.mu.Lock()
	s, err := r.loadLocal(ctx, sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.Status.Terminal() {
		r.mu.Unlock()
		return &errs.InvalidTransition{From: string(s.Status), To: "location update"}
	}

	if last, ok := r.lastFix[sessionID]; ok {
		dt := sample.RecordedAt.Sub(last.RecordedAt).Seconds()
		s.DistanceM += geo.MovementM(last.Lat, last.Lng, sample.Lat, sample.Lng, dt)
	}
	if d := sample.RecordedAt.Sub(s.ScheduledAt); d > 0 {
		s.DurationSec = int64(d.Seconds())
	}
	r.lastFix[sessionID] = sample

	if err := r.saveLocal(ctx, s); err != nil {
		r.mu.Unlock()
		return err
	}

	b := r.batchers[sessionID]
	if b == nil {
		b = batch.New(r.cfg.BatchThreshold)
		r.batchers[sessionID] = b
	}
	flushReady := b.Append(sample)
	r.mu.Unlock()

	r.met.Inc(metricOrNil(r.met).SamplesBuffered)
	if r.history != nil {
		r.history.Record(sessionID, sample)
	}

	if flushReady {
		flushed := b.Flush()
		r.met.Inc(metricOrNil(r.met).BatchesFlushed)
		r.dispatchBatch(ctx, sessionID, flushed)
	}

	r.events.emitUpdate(s)
	return nil
}

// dispatchBatch sends a flushed batch over the channel, or retains it in
// the outbox when offline, when older queued operations still exist, or
// when the publish fails. Samples are never dropped between flush and
// confirmed delivery.
func (r *Repository) dispatchBatch(ctx context.Context, sessionID string, samples []walk.Sample) {
	if len(samples) == 0 {
		return
	}
	// the owning ID may have been reassigned since the samples were buffered
	for i := range samples {
		samples[i].SessionID = sessionID
	}
	live := !r.offline() && r.channel != nil
	if live {
		// older queued operations go first; keep the total order
		if pending, err := r.outbox.HasPending(ctx, sessionID); err != nil || pending {
			live = false
		}
	}
	if live {
		err := r.channel.Publish(topicLocationBatch, map[string]any{
			"session_id": sessionID,
			"samples":    samples,
		})
		if err == nil {
			r.met.Inc(metricOrNil(r.met).BatchesPublished)
			return
		}
		r.log.Warn("live publish failed, retaining batch",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	if err := r.queueOp(ctx, outbox.Op{
		Kind:      outbox.KindLocations,
		SessionID: sessionID,
		Samples:   samples,
	}); err != nil {
		r.log.Error("failed to retain batch", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// UploadMedia attaches a photo or similar payload to the session. Offline
// uploads get a locally-scoped placeholder reference and are queued.
func (r *Repository) UploadMedia(ctx context.Context, sessionID string, data []byte, meta MediaMeta) (string, error) {
	if len(data) == 0 {
		return "", &errs.ValidationError{Field: "data", Reason: "empty payload"}
	}
	if int64(len(data)) > r.cfg.MaxMediaBytes {
		return "", &errs.ValidationError{
			Field:  "data",
			Reason: fmt.Sprintf("payload of %d bytes exceeds limit %d", len(data), r.cfg.MaxMediaBytes),
		}
	}

	r.mu.Lock()
	s, err := r.loadLocal(ctx, sessionID)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	if r.offline() {
		return r.queueMedia(ctx, s, data, meta)
	}

	resp, err := r.api.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/walks/" + sessionID + "/media",
		Body: map[string]string{
			"filename":     meta.Filename,
			"content_type": meta.ContentType,
			"data":         base64.StdEncoding.EncodeToString(data),
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		if retriable(err) {
			return r.queueMedia(ctx, s, data, meta)
		}
		return "", err
	}

	ref, err := decodeMediaRef(resp.Data)
	if err != nil {
		return "", err
	}
	if err := r.attachMedia(ctx, sessionID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (r *Repository) queueMedia(ctx context.Context, s walk.Session, data []byte, meta MediaMeta) (string, error) {
	ref := localMediaPrefix + uuid.NewString()
	if err := r.store.Set(ctx, "media:"+ref, data); err != nil {
		return "", err
	}
	metaRaw, _ := json.Marshal(meta)
	if err := r.queueOp(ctx, outbox.Op{
		Kind:      outbox.KindMedia,
		SessionID: s.ID,
		MediaRef:  ref,
		MediaMeta: string(metaRaw),
	}); err != nil {
		return "", err
	}
	if err := r.attachMedia(ctx, s.ID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// GetSession returns the current local snapshot.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (walk.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocal(ctx, sessionID)
}

// History returns the merged local+remote location history.
func (r *Repository) History(ctx context.Context, sessionID string) ([]walk.Sample, error) {
	if r.history == nil {
		return nil, nil
	}
	return r.history.GetHistory(ctx, sessionID)
}

// EndSession completes an in-progress walk, finalizes its history, and
// returns the walk summary.
func (r *Repository) EndSession(ctx context.Context, sessionID string) (Summary, error) {
	// push out whatever the batcher still holds before completing
	r.mu.Lock()
	b := r.batchers[sessionID]
	r.mu.Unlock()
	if b != nil {
		if remainder := b.Flush(); len(remainder) > 0 {
			r.met.Inc(metricOrNil(r.met).BatchesFlushed)
			r.dispatchBatch(ctx, sessionID, remainder)
		}
	}

	s, err := r.UpdateStatus(ctx, sessionID, walk.StatusCompleted)
	if err != nil {
		return Summary{}, err
	}

	var points []walk.Sample
	if r.history != nil {
		points, err = r.history.Finalize(ctx, sessionID)
		if err != nil {
			return Summary{}, err
		}
	}

	r.mu.Lock()
	delete(r.batchers, sessionID)
	delete(r.lastFix, sessionID)
	r.mu.Unlock()

	duration := s.DurationSec
	if !s.EndedAt.IsZero() && s.EndedAt.After(s.ScheduledAt) {
		if wall := int64(s.EndedAt.Sub(s.ScheduledAt).Seconds()); wall > duration {
			duration = wall
		}
	}
	avg := 0.0
	if duration > 0 {
		avg = s.DistanceM / float64(duration)
	}
	return Summary{
		SessionID:       s.ID,
		PointCount:      len(points),
		DistanceM:       s.DistanceM,
		DurationSec:     duration,
		AverageSpeedMps: avg,
	}, nil
}

// SetOnline flips the connectivity flag; restoring connectivity replays
// every queued operation, in order, before anything new is sent.
func (r *Repository) SetOnline(online bool) {
	if r.tracker != nil {
		r.tracker.SetOffline(!online)
	}
}

func (r *Repository) offline() bool {
	return r.tracker != nil && r.tracker.Offline()
}

func (r *Repository) queueOp(ctx context.Context, op outbox.Op) error {
	if _, err := r.outbox.Enqueue(ctx, op); err != nil {
		return err
	}
	r.met.Inc(metricOrNil(r.met).OpsQueued)
	return nil
}

func (r *Repository) loadLocal(ctx context.Context, sessionID string) (walk.Session, error) {
	raw, ok, err := r.store.Get(ctx, "session:"+sessionID)
	if err != nil {
		return walk.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return walk.Session{}, &errs.ValidationError{Field: "session_id", Reason: "unknown session " + sessionID}
	}
	var s walk.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return walk.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *Repository) saveLocal(ctx context.Context, s walk.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, "session:"+s.ID, raw)
}

func (r *Repository) attachMedia(ctx context.Context, sessionID, ref string) error {
	r.mu.Lock()
	s, err := r.loadLocal(ctx, sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	s.MediaRefs = append(s.MediaRefs, ref)
	if err := r.saveLocal(ctx, s); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	r.events.emitUpdate(s)
	return nil
}

// adoptCanonical replaces the optimistic record with the server's, moving
// every piece of per-session state when the server reassigned the ID. It
// returns the merged record that was saved.
func (r *Repository) adoptCanonical(ctx context.Context, optimisticID string, canonical walk.Session) (walk.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if local, err := r.loadLocal(ctx, optimisticID); err == nil {
		canonical = mergeCanonical(local, canonical)
	}

	if canonical.ID != optimisticID {
		if err := r.store.Delete(ctx, "session:"+optimisticID); err != nil {
			return walk.Session{}, err
		}
		if b, ok := r.batchers[optimisticID]; ok {
			r.batchers[canonical.ID] = b
			delete(r.batchers, optimisticID)
		}
		if fix, ok := r.lastFix[optimisticID]; ok {
			fix.SessionID = canonical.ID
			r.lastFix[canonical.ID] = fix
			delete(r.lastFix, optimisticID)
		}
	}
	if err := r.saveLocal(ctx, canonical); err != nil {
		return walk.Session{}, err
	}

	if canonical.ID != optimisticID {
		if r.history != nil {
			if err := r.history.Rekey(ctx, optimisticID, canonical.ID); err != nil {
				return walk.Session{}, err
			}
		}
		if err := r.outbox.Rekey(ctx, optimisticID, canonical.ID); err != nil {
			return walk.Session{}, err
		}
	}
	return canonical, nil
}

// mergeCanonical lays the server's record over the local one while keeping
// telemetry and placeholders the server cannot know about yet: the distance
// and duration accumulated on the device, and media still pending upload.
func mergeCanonical(local, canonical walk.Session) walk.Session {
	merged := canonical
	if local.DistanceM > merged.DistanceM {
		merged.DistanceM = local.DistanceM
	}
	if local.DurationSec > merged.DurationSec {
		merged.DurationSec = local.DurationSec
	}
	if merged.ScheduledAt.IsZero() {
		merged.ScheduledAt = local.ScheduledAt
	}
	if merged.EndedAt.IsZero() {
		merged.EndedAt = local.EndedAt
	}
	for _, ref := range local.MediaRefs {
		if strings.HasPrefix(ref, localMediaPrefix) && !containsRef(merged.MediaRefs, ref) {
			merged.MediaRefs = append(merged.MediaRefs, ref)
		}
	}
	return merged
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func decodeSession(data json.RawMessage) (walk.Session, error) {
	var s walk.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return walk.Session{}, &errs.ApiError{Message: fmt.Sprintf("decode session: %v", err)}
	}
	return s, nil
}

func decodeMediaRef(data json.RawMessage) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Ref == "" {
		return "", &errs.ApiError{Message: "decode media ref"}
	}
	return out.Ref, nil
}

func retriable(err error) bool {
	var apiErr *errs.ApiError
	return errors.As(err, &apiErr) && apiErr.Retriable
}

// asConflict upgrades a definite 409 rejection to a ConflictError.
func asConflict(sessionID string, err error) error {
	var apiErr *errs.ApiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return &errs.ConflictError{SessionID: sessionID, Reason: apiErr.Message}
	}
	return err
}

// metricOrNil lets counter access stay nil-safe when metrics are disabled.
func metricOrNil(m *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return &metrics.Metrics{}
	}
	return m
}
