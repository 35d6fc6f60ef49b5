package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"walksync/internal/api"
	"walksync/internal/connectivity"
	"walksync/internal/errs"
	"walksync/internal/history"
	"walksync/internal/outbox"
	"walksync/internal/store"
	"walksync/internal/walk"
)

// fakeAPI is a tiny in-memory walk service. It records every request in
// order and keeps per-session state so responses look like a real remote.
type fakeAPI struct {
	requests []api.Request
	sessions map[string]walk.Session

	// assignID, when set, replaces the client-chosen session ID on create.
	assignID string
	// rejectCreate forces a definite rejection of session creation.
	rejectCreate bool
	// rejectStatus forces a definite 409 on status updates.
	rejectStatus bool
	// offlineErr, when true, simulates no response at all.
	offlineErr bool

	mediaSeq int
}

func (f *fakeAPI) Do(_ context.Context, req api.Request) (*api.Response, error) {
	f.requests = append(f.requests, req)
	if f.sessions == nil {
		f.sessions = make(map[string]walk.Session)
	}

	if f.offlineErr {
		return nil, &errs.ApiError{Message: "connection refused", Retriable: true}
	}

	switch {
	case req.Method == http.MethodPost && req.Path == "/walks":
		if f.rejectCreate {
			return nil, &errs.ApiError{Status: http.StatusConflict, Message: "walker unavailable"}
		}
		s := req.Body.(walk.Session)
		if f.assignID != "" {
			s.ID = f.assignID
		}
		f.sessions[s.ID] = s
		return respond(s), nil

	case req.Method == http.MethodPut && strings.HasSuffix(req.Path, "/status"):
		if f.rejectStatus {
			return nil, &errs.ApiError{Status: http.StatusConflict, Message: "already cancelled"}
		}
		id := strings.TrimSuffix(strings.TrimPrefix(req.Path, "/walks/"), "/status")
		s, ok := f.sessions[id]
		if !ok {
			s = walk.Session{ID: id}
		}
		s.Status = req.Body.(map[string]walk.Status)["status"]
		if s.Status.Terminal() {
			s.EndedAt = time.Now().UTC()
		}
		f.sessions[id] = s
		return respond(s), nil

	case req.Method == http.MethodPost && strings.HasSuffix(req.Path, "/locations"):
		return respond(map[string]bool{"ok": true}), nil

	case req.Method == http.MethodGet && strings.HasSuffix(req.Path, "/locations"):
		return respond([]walk.Sample{}), nil

	case req.Method == http.MethodPost && strings.HasSuffix(req.Path, "/media"):
		f.mediaSeq++
		return respond(map[string]string{"ref": fmt.Sprintf("srv-ref-%d", f.mediaSeq)}), nil
	}
	return nil, &errs.ApiError{Status: http.StatusNotFound, Message: "no route " + req.Path}
}

func respond(v any) *api.Response {
	raw, _ := json.Marshal(v)
	return &api.Response{Status: http.StatusOK, Data: raw}
}

type published struct {
	topic   string
	payload any
}

type fakeChannel struct {
	published  []published
	publishErr error
	connected  bool
}

func (c *fakeChannel) Connect(context.Context, string, string) error {
	c.connected = true
	return nil
}

func (c *fakeChannel) Publish(topic string, payload any) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{topic: topic, payload: payload})
	return nil
}

func (c *fakeChannel) Disconnect() { c.connected = false }

type fixture struct {
	repo    *Repository
	api     *fakeAPI
	channel *fakeChannel
	tracker *connectivity.Tracker
	outbox  *outbox.Outbox
	store   store.Store
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	st := store.NewMemory()
	fa := &fakeAPI{}
	fc := &fakeChannel{}
	tracker := connectivity.NewTracker()
	ob := outbox.New(st)
	hist := history.New(fa, st, nil)

	repo := NewRepository(
		Config{BatchThreshold: threshold},
		fa, st, tracker, fc, hist, ob, nil, nil,
	)
	t.Cleanup(repo.Close)
	return &fixture{repo: repo, api: fa, channel: fc, tracker: tracker, outbox: ob, store: st}
}

func mustCreate(t *testing.T, f *fixture) walk.Session {
	t.Helper()
	s, err := f.repo.CreateSession(context.Background(), CreateRequest{
		OwnerID: "owner-1", WalkerID: "walker-1", DogID: "dog-1", Price: 25,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func sampleAt(lat, lng float64, at time.Time) walk.Sample {
	return walk.Sample{Lat: lat, Lng: lng, AccuracyM: 5, RecordedAt: at}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.repo.CreateSession(context.Background(), CreateRequest{WalkerID: "w", DogID: "d"})
	var verr *errs.ValidationError
	if !errors.As(err, &verr) || verr.Field != "owner_id" {
		t.Fatalf("expected owner_id validation error, got %v", err)
	}
}

func TestCreateSessionOnlineAdoptsCanonical(t *testing.T) {
	f := newFixture(t, 10)
	f.api.assignID = "srv-100"

	s := mustCreate(t, f)
	if s.ID != "srv-100" {
		t.Fatalf("expected server-assigned ID, got %q", s.ID)
	}
	got, err := f.repo.GetSession(context.Background(), "srv-100")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != walk.StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", got.Status)
	}
}

func TestCreateSessionOfflineQueuesAndStaysReadable(t *testing.T) {
	f := newFixture(t, 10)
	f.tracker.SetOffline(true)

	var updates []walk.Session
	f.repo.Updates(func(s walk.Session) { updates = append(updates, s) })

	s := mustCreate(t, f)
	if len(f.api.requests) != 0 {
		t.Fatalf("offline create must not reach the remote, saw %d requests", len(f.api.requests))
	}
	if len(updates) != 1 || updates[0].ID != s.ID {
		t.Fatalf("expected one optimistic update for %s, got %+v", s.ID, updates)
	}

	ops, err := f.outbox.Pending(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != outbox.KindCreate {
		t.Fatalf("expected one queued create, got %+v", ops)
	}
	if _, err := f.repo.GetSession(context.Background(), s.ID); err != nil {
		t.Fatalf("offline session must be readable locally: %v", err)
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)

	_, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusCompleted)
	var terr *errs.InvalidTransition
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	if len(f.api.requests) != 1 {
		t.Fatalf("invalid transition must be rejected before the remote, saw %d requests", len(f.api.requests))
	}
}

func TestUpdateStatusServerWins(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)
	f.api.rejectStatus = true

	_, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed)
	var cerr *errs.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError from 409, got %v", err)
	}
}

func TestAddLocationPublishesFullBatches(t *testing.T) {
	f := newFixture(t, 3)
	s := mustCreate(t, f)
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		sm := sampleAt(52.0+float64(i)*0.0001, 13.0, base.Add(time.Duration(i)*10*time.Second))
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	if len(f.channel.published) != 1 {
		t.Fatalf("expected one published batch, got %d", len(f.channel.published))
	}
	if f.channel.published[0].topic != topicLocationBatch {
		t.Fatalf("unexpected topic %q", f.channel.published[0].topic)
	}
	payload := f.channel.published[0].payload.(map[string]any)
	samples := payload["samples"].([]walk.Sample)
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples in batch, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].RecordedAt.Before(samples[i-1].RecordedAt) {
			t.Fatalf("batch out of timestamp order at %d", i)
		}
	}
}

func TestAddLocationRejectsInvalidSample(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)

	err := f.repo.AddLocation(context.Background(), s.ID, walk.Sample{Lat: 0, Lng: 0, RecordedAt: time.Now()})
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for (0,0), got %v", err)
	}
}

func TestAddLocationRejectsTerminalSession(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)
	for _, st := range []walk.Status{walk.StatusConfirmed, walk.StatusCancelled} {
		if _, err := f.repo.UpdateStatus(context.Background(), s.ID, st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	err := f.repo.AddLocation(context.Background(), s.ID, sampleAt(52, 13, time.Now()))
	var terr *errs.InvalidTransition
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransition on cancelled session, got %v", err)
	}
}

func TestOfflineRoundTripReplaysInOrder(t *testing.T) {
	f := newFixture(t, 10)
	f.api.assignID = "srv-7"
	f.tracker.SetOffline(true)

	s := mustCreate(t, f)

	base := time.Now().UTC()
	for i := 0; i < 12; i++ {
		sm := sampleAt(52.0+float64(i)*0.0001, 13.0, base.Add(time.Duration(i)*10*time.Second))
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	// nothing may have left the device yet
	if len(f.api.requests) != 0 || len(f.channel.published) != 0 {
		t.Fatalf("offline work leaked: %d requests, %d publishes",
			len(f.api.requests), len(f.channel.published))
	}

	f.tracker.SetOffline(false)

	if len(f.api.requests) < 2 {
		t.Fatalf("expected create and locations replay, got %d requests", len(f.api.requests))
	}
	if f.api.requests[0].Method != http.MethodPost || f.api.requests[0].Path != "/walks" {
		t.Fatalf("create must replay first, got %s %s", f.api.requests[0].Method, f.api.requests[0].Path)
	}
	if f.api.requests[1].Path != "/walks/srv-7/locations" {
		t.Fatalf("locations must replay under the server-assigned ID, got %s", f.api.requests[1].Path)
	}
	body := f.api.requests[1].Body.(map[string]any)
	samples := body["samples"].([]walk.Sample)
	if len(samples) != 10 {
		t.Fatalf("expected the 10 batched samples, got %d", len(samples))
	}
	for i, sm := range samples {
		if sm.SessionID != "srv-7" {
			t.Fatalf("sample %d not rekeyed: %q", i, sm.SessionID)
		}
		if i > 0 && samples[i].RecordedAt.Before(samples[i-1].RecordedAt) {
			t.Fatalf("replayed samples out of timestamp order at %d", i)
		}
	}

	// the 2 still-buffered samples follow the backlog over the channel
	if len(f.channel.published) != 1 {
		t.Fatalf("expected the buffered remainder published after replay, got %d", len(f.channel.published))
	}
	remainder := f.channel.published[0].payload.(map[string]any)["samples"].([]walk.Sample)
	if len(remainder) != 2 {
		t.Fatalf("expected 2 remainder samples, got %d", len(remainder))
	}
	if remainder[0].RecordedAt.Before(samples[len(samples)-1].RecordedAt) {
		t.Fatalf("remainder must follow the replayed batch in timestamp order")
	}

	// the backlog is drained; a fresh transition goes straight out
	if _, err := f.repo.UpdateStatus(context.Background(), "srv-7", walk.StatusConfirmed); err != nil {
		t.Fatalf("post-replay transition: %v", err)
	}
	last := f.api.requests[len(f.api.requests)-1]
	if last.Path != "/walks/srv-7/status" {
		t.Fatalf("new transition must follow the backlog, got %s", last.Path)
	}

	pending, err := f.outbox.HasPending(context.Background(), "srv-7")
	if err != nil || pending {
		t.Fatalf("backlog should be empty after replay: pending=%v err=%v", pending, err)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.tracker.SetOffline(true)
	s := mustCreate(t, f)

	ops, err := f.outbox.Pending(context.Background(), s.ID)
	if err != nil || len(ops) != 1 {
		t.Fatalf("expected one queued op: %v %v", ops, err)
	}

	// a previous replay delivered the create but crashed before trimming
	if err := f.outbox.MarkApplied(context.Background(), ops[0]); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if _, err := f.outbox.Enqueue(context.Background(), ops[0]); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	f.tracker.SetOffline(false)

	for _, req := range f.api.requests {
		if req.Method == http.MethodPost && req.Path == "/walks" {
			t.Fatalf("applied create must not be re-sent")
		}
	}
}

func TestReplayedCreateRejectionSurfacesConflict(t *testing.T) {
	f := newFixture(t, 10)
	f.api.rejectCreate = true
	f.tracker.SetOffline(true)

	s := mustCreate(t, f)
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed); err != nil {
		t.Fatalf("offline transition: %v", err)
	}

	var failures []error
	f.repo.ReconcileFailures(func(_ walk.Session, err error) { failures = append(failures, err) })

	f.tracker.SetOffline(false)

	if len(failures) != 1 {
		t.Fatalf("expected one reconcile failure, got %d", len(failures))
	}
	var cerr *errs.ConflictError
	if !errors.As(failures[0], &cerr) || cerr.SessionID != s.ID {
		t.Fatalf("expected ConflictError for %s, got %v", s.ID, failures[0])
	}

	// the rest of the backlog is abandoned with the create
	pending, err := f.outbox.HasPending(context.Background(), s.ID)
	if err != nil || pending {
		t.Fatalf("backlog must be cleared after rejected create: pending=%v err=%v", pending, err)
	}
	// the local record stays readable for the caller
	if _, err := f.repo.GetSession(context.Background(), s.ID); err != nil {
		t.Fatalf("local record must survive the conflict: %v", err)
	}
}

func TestReplayedStatusRejectionIsDiscarded(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)

	f.tracker.SetOffline(true)
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed); err != nil {
		t.Fatalf("offline transition: %v", err)
	}

	var failures []error
	f.repo.ReconcileFailures(func(_ walk.Session, err error) { failures = append(failures, err) })

	f.api.rejectStatus = true
	f.tracker.SetOffline(false)

	if len(failures) != 1 {
		t.Fatalf("expected one reconcile failure, got %d", len(failures))
	}
	pending, err := f.outbox.HasPending(context.Background(), s.ID)
	if err != nil || pending {
		t.Fatalf("rejected status op must be discarded: pending=%v err=%v", pending, err)
	}
}

func TestBatchWaitsBehindBacklog(t *testing.T) {
	f := newFixture(t, 2)
	s := mustCreate(t, f)
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// go offline, queue a transition, come back but leave the backlog
	// unplayed by queueing directly
	f.tracker.SetOffline(true)
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusInProgress); err != nil {
		t.Fatalf("offline start: %v", err)
	}
	f.api.offlineErr = true
	f.tracker.SetOffline(false)
	f.api.offlineErr = false

	base := time.Now().UTC()
	for i := 0; i < 2; i++ {
		sm := sampleAt(52.0+float64(i)*0.0001, 13.0, base.Add(time.Duration(i)*10*time.Second))
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	// the flushed batch must queue behind the pending transition, never
	// jump it on the live channel
	if len(f.channel.published) != 0 {
		t.Fatalf("batch bypassed the queued backlog")
	}
	ops, err := f.outbox.Pending(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(ops) != 2 || ops[0].Kind != outbox.KindStatus || ops[1].Kind != outbox.KindLocations {
		t.Fatalf("expected status then locations queued, got %+v", ops)
	}
}

func TestUploadMediaOfflineAndReplay(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)

	f.tracker.SetOffline(true)
	ref, err := f.repo.UploadMedia(context.Background(), s.ID, []byte("jpeg-bytes"), MediaMeta{
		Filename: "dog.jpg", ContentType: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("UploadMedia offline: %v", err)
	}
	if !strings.HasPrefix(ref, "local:") {
		t.Fatalf("offline upload must get a local placeholder, got %q", ref)
	}

	got, err := f.repo.GetSession(context.Background(), s.ID)
	if err != nil || len(got.MediaRefs) != 1 || got.MediaRefs[0] != ref {
		t.Fatalf("placeholder not attached: %+v err=%v", got.MediaRefs, err)
	}

	f.tracker.SetOffline(false)

	got, err = f.repo.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSession after replay: %v", err)
	}
	if len(got.MediaRefs) != 1 || got.MediaRefs[0] != "srv-ref-1" {
		t.Fatalf("placeholder not swapped for server ref: %+v", got.MediaRefs)
	}
	if _, ok, _ := f.store.Get(context.Background(), "media:"+ref); ok {
		t.Fatalf("queued media payload must be deleted after upload")
	}
}

func TestUploadMediaRejectsOversizedPayload(t *testing.T) {
	f := newFixture(t, 10)
	s := mustCreate(t, f)
	f.repo.cfg.MaxMediaBytes = 8

	_, err := f.repo.UploadMedia(context.Background(), s.ID, []byte("too-large-payload"), MediaMeta{})
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for oversized payload, got %v", err)
	}
}

func TestEndSessionSummary(t *testing.T) {
	f := newFixture(t, 100)
	s := mustCreate(t, f)
	for _, st := range []walk.Status{walk.StatusConfirmed, walk.StatusInProgress} {
		if _, err := f.repo.UpdateStatus(context.Background(), s.ID, st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	base := time.Now().UTC()
	// roughly 11m apart at walking pace
	coords := []float64{52.5200, 52.5201, 52.5202, 52.5203}
	for i, lat := range coords {
		sm := sampleAt(lat, 13.4050, base.Add(time.Duration(i)*30*time.Second))
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	sum, err := f.repo.EndSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if sum.SessionID != s.ID {
		t.Fatalf("summary for wrong session: %q", sum.SessionID)
	}
	if sum.PointCount != len(coords) {
		t.Fatalf("expected %d points, got %d", len(coords), sum.PointCount)
	}
	if sum.DistanceM < 20 || sum.DistanceM > 50 {
		t.Fatalf("implausible distance %.1fm for ~33m walked", sum.DistanceM)
	}
	if sum.DurationSec <= 0 {
		t.Fatalf("expected positive duration, got %d", sum.DurationSec)
	}

	// the short remainder batch must have gone out with the session
	if len(f.channel.published) != 1 {
		t.Fatalf("expected remainder batch published on end, got %d", len(f.channel.published))
	}

	got, err := f.repo.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != walk.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestDistanceIgnoresJitterAndTeleports(t *testing.T) {
	f := newFixture(t, 100)
	s := mustCreate(t, f)

	base := time.Now().UTC()
	walkSamples := []walk.Sample{
		sampleAt(52.52000, 13.40500, base),
		// sub-meter wobble, must not count
		sampleAt(52.520001, 13.405001, base.Add(10*time.Second)),
		// 1km in 10s, impossible on foot, must not count
		sampleAt(52.52900, 13.40500, base.Add(20*time.Second)),
	}
	for i, sm := range walkSamples {
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	got, err := f.repo.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.DistanceM != 0 {
		t.Fatalf("jitter and teleports must not accumulate, got %.2fm", got.DistanceM)
	}
}

func TestUpdateSubscriberPanicDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t, 10)

	var calls int
	f.repo.Updates(func(walk.Session) { panic("boom") })
	f.repo.Updates(func(walk.Session) { calls++ })

	mustCreate(t, f)
	if calls == 0 {
		t.Fatalf("second subscriber must still be delivered to")
	}
}

func TestUpdateUnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t, 10)

	var calls int
	remove := f.repo.Updates(func(walk.Session) { calls++ })

	s := mustCreate(t, f)
	seen := calls
	if seen == 0 {
		t.Fatalf("expected delivery before removal")
	}

	remove()
	if _, err := f.repo.UpdateStatus(context.Background(), s.ID, walk.StatusConfirmed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if calls != seen {
		t.Fatalf("removed subscriber still delivered to")
	}
}

func TestHistorySurvivesRemoteOutage(t *testing.T) {
	f := newFixture(t, 100)
	s := mustCreate(t, f)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		sm := sampleAt(52.0+float64(i)*0.001, 13.0, base.Add(time.Duration(i)*time.Minute))
		if err := f.repo.AddLocation(context.Background(), s.ID, sm); err != nil {
			t.Fatalf("AddLocation %d: %v", i, err)
		}
	}

	f.api.offlineErr = true
	points, err := f.repo.History(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("History must degrade to local data, got %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 local points, got %d", len(points))
	}
}
