package broadcast

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tullo/simulcast/internal/auth"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/repository"
	"github.com/tullo/simulcast/internal/scheduler"
	"go.uber.org/zap"
)

// --- stores ---

type fakeCredentials struct {
	mu    sync.Mutex
	creds map[uuid.UUID]models.ChannelCredential
}

func (f *fakeCredentials) GetByID(_ context.Context, id uuid.UUID) (*models.ChannelCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCredentials) UpdateCredential(_ context.Context, id uuid.UUID, sealed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Credential = sealed
	f.creds[id] = c
	return nil
}

type fakeTemplates struct {
	mu        sync.Mutex
	templates map[uuid.UUID]models.BroadcastTemplate
}

func (f *fakeTemplates) GetByID(_ context.Context, id uuid.UUID) (*models.BroadcastTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTemplates) Claim(_ context.Context, templateID, sessionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[templateID]
	if !ok || t.IsLive {
		return false, nil
	}
	t.IsLive = true
	t.CurrentSessionID = &sessionID
	f.templates[templateID] = t
	return true, nil
}

func (f *fakeTemplates) Release(_ context.Context, templateID, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[templateID]
	if !ok || t.CurrentSessionID == nil || *t.CurrentSessionID != sessionID {
		return nil
	}
	t.IsLive = false
	t.CurrentSessionID = nil
	f.templates[templateID] = t
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.BroadcastSession
	runtimes map[uuid.UUID]models.BroadcastChannelRuntime
	order    []uuid.UUID
}

func (f *fakeSessions) Create(_ context.Context, s *models.BroadcastSession, runtimes []models.BroadcastChannelRuntime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = *s
	for _, rt := range runtimes {
		rt.SessionID = s.ID
		f.runtimes[rt.ID] = rt
		f.order = append(f.order, rt.ID)
	}
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (f *fakeSessions) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	for rid, rt := range f.runtimes {
		if rt.SessionID == id {
			delete(f.runtimes, rid)
		}
	}
	return nil
}

func (f *fakeSessions) MarkLive(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionStarting || s.EndedAt != nil {
		return false, nil
	}
	s.Status = models.SessionLive
	f.sessions[id] = s
	return true, nil
}

func (f *fakeSessions) End(_ context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.EndedAt != nil {
		return false, nil
	}
	s.EndedAt = &endedAt
	s.Status = models.SessionStopping
	f.sessions[id] = s
	return true, nil
}

func (f *fakeSessions) SetStatus(_ context.Context, id uuid.UUID, status models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = status
	f.sessions[id] = s
	return nil
}

func (f *fakeSessions) ListLive(context.Context) ([]models.BroadcastSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BroadcastSession
	for _, s := range f.sessions {
		if s.Status == models.SessionLive && s.EndedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListRuntimes(_ context.Context, sessionID uuid.UUID) ([]models.BroadcastChannelRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BroadcastChannelRuntime
	for _, id := range f.order {
		rt, ok := f.runtimes[id]
		if ok && rt.SessionID == sessionID {
			out = append(out, rt)
		}
	}
	return out, nil
}

func (f *fakeSessions) update(id uuid.UUID, fn func(rt *models.BroadcastChannelRuntime)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.runtimes[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&rt)
	f.runtimes[id] = rt
	return nil
}

func (f *fakeSessions) MarkRuntimeActive(_ context.Context, id uuid.UUID, info provider.BroadcastInfo) error {
	return f.update(id, func(rt *models.BroadcastChannelRuntime) {
		applyInfo(rt, info)
		rt.FailureReason = nil
		rt.ReauthRequired = false
	})
}

func (f *fakeSessions) MarkRuntimeFailed(_ context.Context, id uuid.UUID, reason string, reauth bool) error {
	return f.update(id, func(rt *models.BroadcastChannelRuntime) {
		rt.Status = models.RuntimeFailed
		rt.FailureReason = &reason
		rt.ReauthRequired = reauth
	})
}

func (f *fakeSessions) MarkRuntimeStopped(_ context.Context, id uuid.UUID) error {
	return f.update(id, func(rt *models.BroadcastChannelRuntime) { rt.Status = models.RuntimeStopped })
}

func (f *fakeSessions) UpdateCursor(_ context.Context, id uuid.UUID, cursor string) error {
	return f.update(id, func(rt *models.BroadcastChannelRuntime) { rt.NextPageToken = &cursor })
}

func (f *fakeSessions) UpdateViewCount(_ context.Context, id uuid.UUID, count int64) error {
	return f.update(id, func(rt *models.BroadcastChannelRuntime) {
		if count > rt.ViewCount {
			rt.ViewCount = count
		}
	})
}

func (f *fakeSessions) runtime(id uuid.UUID) models.BroadcastChannelRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runtimes[id]
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeComments struct {
	mu       sync.Mutex
	sessions *fakeSessions
	rows     []models.BroadcastComment
	keys     map[uuid.UUID]map[string]bool
	nextID   int64
	clock    clockwork.Clock
}

func (f *fakeComments) InsertBatch(_ context.Context, runtimeID uuid.UUID, comments []models.BroadcastComment) ([]models.BroadcastComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[runtimeID] == nil {
		f.keys[runtimeID] = map[string]bool{}
	}

	var inserted []models.BroadcastComment
	for _, c := range comments {
		key := c.DedupKey()
		if f.keys[runtimeID][key] {
			continue
		}
		f.keys[runtimeID][key] = true
		f.nextID++
		c.ID = f.nextID
		c.RuntimeID = runtimeID
		c.CreatedAt = f.clock.Now()
		f.rows = append(f.rows, c)
		inserted = append(inserted, c)
	}
	return inserted, nil
}

func (f *fakeComments) ListBySession(_ context.Context, sessionID uuid.UUID, cursor *int64, limit int) ([]models.BroadcastComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.BroadcastComment
	for _, c := range f.rows {
		if f.sessions.runtime(c.RuntimeID).SessionID != sessionID || c.PublishedAt == nil {
			continue
		}
		if cursor != nil && c.ID <= *cursor {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(*out[j].PublishedAt) {
			return out[i].PublishedAt.After(*out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeComments) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// --- scheduler and notifier ---

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, key string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[key] = at
	return nil
}

func (f *fakeScheduler) Ensure(_ context.Context, key string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.scheduled[key]; !ok {
		f.scheduled[key] = at
	}
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, key)
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeScheduler) Run(ctx context.Context, _ scheduler.Handler) error {
	<-ctx.Done()
	return nil
}

// take removes and returns the pending run of key, simulating dispatch.
func (f *fakeScheduler) take(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.scheduled[key]
	delete(f.scheduled, key)
	return at, ok
}

func (f *fakeScheduler) pending(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.scheduled[key]
	return ok
}

type fakeNotifier struct {
	mu       sync.Mutex
	comments []models.CommentsEvent
	ended    []uuid.UUID
}

func (f *fakeNotifier) PublishComments(_ context.Context, e models.CommentsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, e)
	return nil
}

func (f *fakeNotifier) PublishSessionEnded(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

// --- adapter ---

type fetchCall struct {
	chatID string
	cursor string
}

type fakeAdapter struct {
	mu        sync.Mutex
	withChat  bool
	// startErrs are returned once each, in order; startFail on every call.
	startErrs map[uuid.UUID][]error
	startFail map[uuid.UUID]error
	stopErr   error
	fetchErrs map[string]error
	pages     map[string]map[string]provider.CommentBatch
	viewers   map[string]int64

	gate    chan struct{}
	entered chan struct{}
	onFetch func()

	starts  map[uuid.UUID]int
	stops   []string
	fetches []fetchCall
}

func newFakeAdapter(withChat bool) *fakeAdapter {
	return &fakeAdapter{
		withChat:  withChat,
		startErrs: map[uuid.UUID][]error{},
		startFail: map[uuid.UUID]error{},
		fetchErrs: map[string]error{},
		pages:     map[string]map[string]provider.CommentBatch{},
		viewers:   map[string]int64{},
		starts:    map[uuid.UUID]int{},
		entered:   make(chan struct{}, 16),
	}
}

func chatIDFor(credID uuid.UUID) string      { return "chat-" + credID.String() }
func broadcastIDFor(credID uuid.UUID) string { return "bc-" + credID.String() }

func (a *fakeAdapter) StartBroadcast(ctx context.Context, cred provider.Credential, _ provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	select {
	case a.entered <- struct{}{}:
	default:
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts[cred.ID]++
	if err := a.startFail[cred.ID]; err != nil {
		return nil, err
	}
	if errs := a.startErrs[cred.ID]; len(errs) > 0 {
		a.startErrs[cred.ID] = errs[1:]
		return nil, errs[0]
	}

	info := &provider.BroadcastInfo{
		ExternalBroadcastID: broadcastIDFor(cred.ID),
		ExternalStreamID:    "st-" + cred.ID.String(),
		IngestURL:           "rtmp://ingest.example/" + cred.ID.String(),
	}
	if a.withChat {
		info.ExternalChatID = chatIDFor(cred.ID)
	}
	return info, nil
}

func (a *fakeAdapter) StopBroadcast(_ context.Context, _ provider.Credential, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops = append(a.stops, id)
	return a.stopErr
}

func (a *fakeAdapter) FetchComments(_ context.Context, _ provider.Credential, chatID, cursor string) (*provider.CommentBatch, error) {
	if a.onFetch != nil {
		a.onFetch()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches = append(a.fetches, fetchCall{chatID: chatID, cursor: cursor})
	if err := a.fetchErrs[chatID]; err != nil {
		return nil, err
	}
	batch := a.pages[chatID][cursor]
	return &batch, nil
}

func (a *fakeAdapter) Identify(context.Context, []byte) (*provider.Identity, error) {
	return &provider.Identity{Title: "fake"}, nil
}

func (a *fakeAdapter) ViewerCount(_ context.Context, _ provider.Credential, id string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewers[id], nil
}

func (a *fakeAdapter) setPage(chatID, cursor string, batch provider.CommentBatch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[chatID] == nil {
		a.pages[chatID] = map[string]provider.CommentBatch{}
	}
	a.pages[chatID][cursor] = batch
}

func (a *fakeAdapter) startCount(credID uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts[credID]
}

func (a *fakeAdapter) stopCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stops...)
}

func (a *fakeAdapter) fetchCalls() []fetchCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fetchCall(nil), a.fetches...)
}

// --- harness ---

type harness struct {
	t        *testing.T
	ctx      context.Context
	tenant   uuid.UUID
	clock    *clockwork.FakeClock
	creds    *fakeCredentials
	tpls     *fakeTemplates
	sessions *fakeSessions
	comments *fakeComments
	sched    *fakeScheduler
	notifier *fakeNotifier
	chat     *fakeAdapter
	noChat   *fakeAdapter

	registry    *provider.Registry
	credentials *Credentials

	poller *Poller
	orch   *Orchestrator
	feed   *Feed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		tenant:   uuid.New(),
		clock:    clock,
		creds:    &fakeCredentials{creds: map[uuid.UUID]models.ChannelCredential{}},
		tpls:     &fakeTemplates{templates: map[uuid.UUID]models.BroadcastTemplate{}},
		sessions: &fakeSessions{sessions: map[uuid.UUID]models.BroadcastSession{}, runtimes: map[uuid.UUID]models.BroadcastChannelRuntime{}},
		sched:    &fakeScheduler{scheduled: map[string]time.Time{}},
		notifier: &fakeNotifier{},
		chat:     newFakeAdapter(true),
		noChat:   newFakeAdapter(false),
	}
	h.comments = &fakeComments{sessions: h.sessions, keys: map[uuid.UUID]map[string]bool{}, clock: clock}

	h.registry = provider.NewRegistry()
	h.registry.Register(models.ProviderYouTube, h.chat)
	h.registry.Register(models.ProviderRTMP, h.noChat)
	h.credentials = NewCredentials(h.creds, auth.NoopSealer{}, zap.NewNop())

	h.build(h.sched)
	return h
}

// build wires the poller and orchestrator on top of sched.
func (h *harness) build(sched scheduler.Scheduler) {
	logger := zap.NewNop()
	h.poller = NewPoller(h.sessions, h.comments, h.credentials, h.registry, sched, h.notifier, h.clock, logger, PollerConfig{
		Interval:     10 * time.Second,
		FetchTimeout: time.Second,
	})
	h.orch = NewOrchestrator(h.tpls, h.sessions, h.credentials, h.registry, h.poller, h.notifier, h.clock, logger, OrchestratorConfig{
		FanoutConcurrency: 4,
		Retry: RetryConfig{
			MaxRetries: 2,
			Delay:      time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
			Timeout:    5 * time.Second,
		},
	})
	h.feed = NewFeed(h.sessions, h.comments, DefaultPageSize)
}

func (h *harness) addChannel(p models.ProviderType) uuid.UUID {
	h.t.Helper()
	sealed, err := auth.NoopSealer{}.Seal([]byte(`{"token":"x"}`))
	if err != nil {
		h.t.Fatal(err)
	}
	id := uuid.New()
	h.creds.mu.Lock()
	h.creds.creds[id] = models.ChannelCredential{
		ID:         id,
		TenantID:   h.tenant,
		Provider:   p,
		Credential: sealed,
		Title:      string(p),
	}
	h.creds.mu.Unlock()
	return id
}

func (h *harness) addTemplate(channelIDs ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	h.tpls.mu.Lock()
	h.tpls.templates[id] = models.BroadcastTemplate{
		ID:         id,
		TenantID:   h.tenant,
		Title:      "Friday show",
		ChannelIDs: channelIDs,
	}
	h.tpls.mu.Unlock()
	return id
}

func (h *harness) template(id uuid.UUID) models.BroadcastTemplate {
	h.tpls.mu.Lock()
	defer h.tpls.mu.Unlock()
	return h.tpls.templates[id]
}

func (h *harness) runtimeFor(sessionID, credID uuid.UUID) models.BroadcastChannelRuntime {
	h.t.Helper()
	runtimes, _ := h.sessions.ListRuntimes(h.ctx, sessionID)
	for _, rt := range runtimes {
		if rt.CredentialID == credID {
			return rt
		}
	}
	h.t.Fatalf("no runtime for credential %s", credID)
	return models.BroadcastChannelRuntime{}
}

func publishedAt(clock clockwork.Clock, offset time.Duration) *time.Time {
	t := clock.Now().Add(offset)
	return &t
}

// cursorOf calls the pointer-receiver Cursor on a runtime value.
func cursorOf(rt models.BroadcastChannelRuntime) string {
	return rt.Cursor()
}
