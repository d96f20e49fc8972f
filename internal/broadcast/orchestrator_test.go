package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

func TestGoLive_StartsAllDestinations(t *testing.T) {
	h := newHarness(t)
	yt := h.addChannel(models.ProviderYouTube)
	rtmp := h.addChannel(models.ProviderRTMP)
	tpl := h.addTemplate(yt, rtmp)

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	assert.Equal(t, models.SessionLive, session.Status)
	require.Len(t, session.Runtimes, 2)
	for _, rt := range session.Runtimes {
		assert.Equal(t, models.RuntimeActive, rt.Status)
		require.NotNil(t, rt.IngestURL)
	}

	assert.NotNil(t, h.runtimeFor(session.ID, yt).ExternalChatID)
	assert.Nil(t, h.runtimeFor(session.ID, rtmp).ExternalChatID)

	tmpl := h.template(tpl)
	assert.True(t, tmpl.IsLive)
	require.NotNil(t, tmpl.CurrentSessionID)
	assert.Equal(t, session.ID, *tmpl.CurrentSessionID)

	assert.True(t, h.sched.pending(session.ID.String()), "first poll must be scheduled")
}

func TestGoLive_AlreadyLive(t *testing.T) {
	h := newHarness(t)
	tpl := h.addTemplate(h.addChannel(models.ProviderYouTube))

	_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	_, err = h.orch.GoLive(h.ctx, h.tenant, tpl)
	assert.ErrorIs(t, err, ErrAlreadyLive)
	assert.Equal(t, 1, h.sessions.count())
}

func TestGoLive_SingleWriterWhileStarting(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(cred)
	h.chat.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
		done <- err
	}()
	<-h.chat.entered

	_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	assert.ErrorIs(t, err, ErrAlreadyLive)

	close(h.chat.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.chat.startCount(cred))
	assert.Equal(t, 1, h.sessions.count())
}

func TestGoLive_ConcurrentCallsOneWins(t *testing.T) {
	h := newHarness(t)
	tpl := h.addTemplate(h.addChannel(models.ProviderYouTube))

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyLive):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, h.sessions.count())
}

func TestGoLive_PartialFailure(t *testing.T) {
	h := newHarness(t)
	first := h.addChannel(models.ProviderYouTube)
	second := h.addChannel(models.ProviderYouTube)
	third := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(first, second, third)

	h.chat.startFail[second] = &provider.AuthError{Provider: models.ProviderYouTube, Err: errors.New("token revoked")}

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)
	assert.Equal(t, models.SessionLive, session.Status)

	failed := h.runtimeFor(session.ID, second)
	assert.Equal(t, models.RuntimeFailed, failed.Status)
	assert.True(t, failed.ReauthRequired)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "token revoked")
	assert.Nil(t, failed.ExternalChatID)

	assert.Equal(t, models.RuntimeActive, h.runtimeFor(session.ID, first).Status)
	assert.Equal(t, models.RuntimeActive, h.runtimeFor(session.ID, third).Status)

	// Auth errors are not retried.
	assert.Equal(t, 1, h.chat.startCount(second))

	_, err = h.poller.Tick(h.ctx, session.ID)
	require.NoError(t, err)

	polled := map[string]bool{}
	for _, c := range h.chat.fetchCalls() {
		polled[c.chatID] = true
	}
	assert.Equal(t, map[string]bool{chatIDFor(first): true, chatIDFor(third): true}, polled)
}

func TestGoLive_RetriesUnavailable(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(cred)

	h.chat.startErrs[cred] = []error{
		&provider.UnavailableError{Provider: models.ProviderYouTube, Err: errors.New("503")},
	}

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)
	assert.Equal(t, 2, h.chat.startCount(cred))
	assert.Equal(t, models.RuntimeActive, h.runtimeFor(session.ID, cred).Status)
}

func TestGoLive_AllDestinationsFail(t *testing.T) {
	h := newHarness(t)
	yt := h.addChannel(models.ProviderYouTube)
	rtmp := h.addChannel(models.ProviderRTMP)
	tpl := h.addTemplate(yt, rtmp)

	unavailable := &provider.UnavailableError{Provider: models.ProviderYouTube, Err: errors.New("quota")}
	h.chat.startFail[yt] = unavailable
	h.noChat.startFail[rtmp] = &provider.AuthError{Provider: models.ProviderRTMP, Err: errors.New("bad key")}

	_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)

	var allFailed *AllDestinationsFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Len(t, allFailed.Failures, 2)
	assert.True(t, allFailed.ReauthRequired())
	assert.ErrorIs(t, err, unavailable)

	// Retries are exhausted before giving up.
	assert.Equal(t, 3, h.chat.startCount(yt))

	assert.Equal(t, 0, h.sessions.count(), "failed session must be rolled back")
	tmpl := h.template(tpl)
	assert.False(t, tmpl.IsLive)
	assert.Nil(t, tmpl.CurrentSessionID)
	assert.Empty(t, h.sched.scheduled)

	// The template can go live again.
	delete(h.chat.startFail, yt)
	delete(h.noChat.startFail, rtmp)
	_, err = h.orch.GoLive(h.ctx, h.tenant, tpl)
	assert.NoError(t, err)
}

func TestGoLive_TemplateNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.GoLive(h.ctx, h.tenant, uuid.New())
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	tpl := h.addTemplate(h.addChannel(models.ProviderYouTube))
	_, err = h.orch.GoLive(h.ctx, uuid.New(), tpl)
	assert.ErrorIs(t, err, ErrTemplateNotFound, "templates of other tenants are invisible")
}

func TestGoLive_NoDestinations(t *testing.T) {
	h := newHarness(t)
	tpl := h.addTemplate(uuid.New())

	_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	assert.ErrorIs(t, err, ErrNoDestinations)
	assert.False(t, h.template(tpl).IsLive)
}

func TestGoLive_SkipsMissingCredential(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(uuid.New(), cred)

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)
	assert.Len(t, session.Runtimes, 1)
}

func TestGoLive_UnreadableCredentialNeedsReauth(t *testing.T) {
	h := newHarness(t)
	good := h.addChannel(models.ProviderYouTube)
	bad := h.addChannel(models.ProviderYouTube)
	h.creds.mu.Lock()
	c := h.creds.creds[bad]
	c.Credential = "%%% not base64"
	h.creds.creds[bad] = c
	h.creds.mu.Unlock()
	tpl := h.addTemplate(good, bad)

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	rt := h.runtimeFor(session.ID, bad)
	assert.Equal(t, models.RuntimeFailed, rt.Status)
	assert.True(t, rt.ReauthRequired)
	assert.Equal(t, 0, h.chat.startCount(bad))
}

func TestStopEgress_Idempotent(t *testing.T) {
	h := newHarness(t)
	yt := h.addChannel(models.ProviderYouTube)
	rtmp := h.addChannel(models.ProviderRTMP)
	tpl := h.addTemplate(yt, rtmp)

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	require.NoError(t, h.orch.StopEgress(h.ctx, h.tenant, session.ID))

	stored, err := h.sessions.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EndedAt)
	endedAt := *stored.EndedAt
	assert.Equal(t, models.SessionEnded, stored.Status)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.orch.StopEgress(h.ctx, h.tenant, session.ID))

	stored, err = h.sessions.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, endedAt, *stored.EndedAt, "ended_at is set once")

	assert.Equal(t, []string{broadcastIDFor(yt)}, h.chat.stopCalls())
	assert.Equal(t, []string{broadcastIDFor(rtmp)}, h.noChat.stopCalls())
	for _, rt := range []uuid.UUID{yt, rtmp} {
		assert.Equal(t, models.RuntimeStopped, h.runtimeFor(session.ID, rt).Status)
	}

	assert.False(t, h.template(tpl).IsLive)
	assert.False(t, h.sched.pending(session.ID.String()))
	assert.Equal(t, []uuid.UUID{session.ID}, h.notifier.ended)
}

func TestStopEgress_StopFailuresDoNotBlock(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(cred)
	h.chat.stopErr = &provider.AuthError{Provider: models.ProviderYouTube, Err: errors.New("revoked")}

	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	require.NoError(t, h.orch.StopEgress(h.ctx, h.tenant, session.ID))

	stored, err := h.sessions.GetByID(h.ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ended())
	assert.False(t, h.template(tpl).IsLive)
}

func TestStopEgress_NotFound(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.orch.StopEgress(h.ctx, h.tenant, uuid.New()), ErrSessionNotFound)

	tpl := h.addTemplate(h.addChannel(models.ProviderYouTube))
	session, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	assert.ErrorIs(t, h.orch.StopEgress(h.ctx, uuid.New(), session.ID), ErrSessionNotFound)
	assert.True(t, h.template(tpl).IsLive)
}

func TestStopEgress_DuringStart(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	tpl := h.addTemplate(cred)
	h.chat.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
		done <- err
	}()
	<-h.chat.entered

	sessionID := *h.template(tpl).CurrentSessionID
	require.NoError(t, h.orch.StopEgress(h.ctx, h.tenant, sessionID))

	close(h.chat.gate)
	assert.ErrorIs(t, <-done, ErrSessionEnded)

	// The destination started after stop was requested and is stopped by
	// the go-live call that started it.
	assert.Equal(t, []string{broadcastIDFor(cred)}, h.chat.stopCalls())
	assert.Equal(t, models.RuntimeStopped, h.runtimeFor(sessionID, cred).Status)
	assert.False(t, h.template(tpl).IsLive)
	assert.False(t, h.sched.pending(sessionID.String()))
}

func TestSession_IncludesRuntimes(t *testing.T) {
	h := newHarness(t)
	tpl := h.addTemplate(h.addChannel(models.ProviderYouTube), h.addChannel(models.ProviderRTMP))

	live, err := h.orch.GoLive(h.ctx, h.tenant, tpl)
	require.NoError(t, err)

	session, err := h.orch.Session(h.ctx, h.tenant, live.ID)
	require.NoError(t, err)
	assert.Len(t, session.Runtimes, 2)

	_, err = h.orch.Session(h.ctx, uuid.New(), live.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
