// Package broadcast drives live sessions: it fans a go-live out to every
// destination of a template, keeps per-destination runtimes, polls comments
// while the session is live and serves the merged comment feed.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tullo/simulcast/internal/metrics"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type OrchestratorConfig struct {
	// FanoutConcurrency caps concurrent adapter calls per operation.
	FanoutConcurrency int
	Retry             RetryConfig
}

type Orchestrator struct {
	templates   TemplateStore
	sessions    SessionStore
	credentials *Credentials
	registry    *provider.Registry
	poller      *Poller
	notifier    Notifier
	clock       clockwork.Clock
	logger      *zap.Logger
	cfg         OrchestratorConfig
}

func NewOrchestrator(
	templates TemplateStore,
	sessions SessionStore,
	credentials *Credentials,
	registry *provider.Registry,
	poller *Poller,
	notifier Notifier,
	clock clockwork.Clock,
	logger *zap.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 8
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Orchestrator{
		templates:   templates,
		sessions:    sessions,
		credentials: credentials,
		registry:    registry,
		poller:      poller,
		notifier:    notifier,
		clock:       clock,
		logger:      logger.With(zap.String("feature", "egress")),
		cfg:         cfg,
	}
}

// destination is one linked credential resolved before the claim.
type destination struct {
	runtime    models.BroadcastChannelRuntime
	credential *models.ChannelCredential
}

type startOutcome struct {
	info *provider.BroadcastInfo
	err  error
}

// GoLive claims the template, creates the session with one runtime per
// destination and starts every destination concurrently. The session goes
// live when at least one destination started.
func (o *Orchestrator) GoLive(ctx context.Context, tenantID, templateID uuid.UUID) (*models.BroadcastSession, error) {
	tmpl, err := o.templates.GetByID(ctx, templateID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && tmpl.TenantID != tenantID) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if tmpl.IsLive {
		metrics.GoLiveTotal.WithLabelValues("already_live").Inc()
		return nil, ErrAlreadyLive
	}

	sessionID := uuid.New()
	dests, err := o.resolveDestinations(ctx, tmpl, sessionID)
	if err != nil {
		return nil, err
	}

	claimed, err := o.templates.Claim(ctx, templateID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim template: %w", err)
	}
	if !claimed {
		metrics.GoLiveTotal.WithLabelValues("already_live").Inc()
		return nil, ErrAlreadyLive
	}

	logger := o.logger.With(zap.String("session_id", sessionID.String()), zap.String("template_id", templateID.String()))

	session := &models.BroadcastSession{
		ID:         sessionID,
		TenantID:   tenantID,
		TemplateID: templateID,
		Title:      tmpl.Title,
		Status:     models.SessionStarting,
		StartedAt:  o.clock.Now().UTC(),
	}
	runtimes := make([]models.BroadcastChannelRuntime, len(dests))
	for i, d := range dests {
		runtimes[i] = d.runtime
	}
	if err := o.sessions.Create(ctx, session, runtimes); err != nil {
		o.release(ctx, templateID, sessionID, logger)
		metrics.GoLiveTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// Remote side effects must not be abandoned halfway because the caller
	// went away.
	fanCtx := context.WithoutCancel(ctx)

	outcomes := o.startAll(fanCtx, session, dests)

	var (
		started  []models.BroadcastChannelRuntime
		failures []DestinationFailure
	)
	for i, out := range outcomes {
		rt := dests[i].runtime
		if out.err != nil {
			f := newFailure(rt, out.err)
			failures = append(failures, f)
			logger.Warn("destination failed to start",
				zap.String("credential_id", rt.CredentialID.String()),
				zap.String("provider", string(rt.Provider)),
				zap.Bool("reauth_required", f.ReauthRequired),
				zap.Error(out.err))
			if err := o.sessions.MarkRuntimeFailed(fanCtx, rt.ID, f.Reason, f.ReauthRequired); err != nil {
				logger.Error("failed to record runtime failure", zap.String("runtime_id", rt.ID.String()), zap.Error(err))
			}
			continue
		}

		if err := o.sessions.MarkRuntimeActive(fanCtx, rt.ID, *out.info); err != nil {
			// The remote broadcast exists but we cannot track it; stop it.
			logger.Error("failed to record started runtime", zap.String("runtime_id", rt.ID.String()), zap.Error(err))
			rt.ExternalBroadcastID = &out.info.ExternalBroadcastID
			o.stopAll(fanCtx, []models.BroadcastChannelRuntime{rt}, logger)
			failures = append(failures, newFailure(rt, err))
			continue
		}
		applyInfo(&rt, *out.info)
		started = append(started, rt)
	}

	if len(started) == 0 {
		if err := o.sessions.Delete(fanCtx, sessionID); err != nil {
			logger.Error("failed to delete failed session", zap.Error(err))
		}
		o.release(fanCtx, templateID, sessionID, logger)
		metrics.GoLiveTotal.WithLabelValues("all_failed").Inc()
		return nil, &AllDestinationsFailedError{Failures: failures}
	}

	live, err := o.sessions.MarkLive(fanCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark session live: %w", err)
	}
	if !live {
		// StopEgress ended the session while destinations were starting and
		// could not see their broadcast ids yet.
		logger.Info("session stopped during start, stopping started destinations")
		o.stopAll(fanCtx, started, logger)
		for _, rt := range started {
			if err := o.sessions.MarkRuntimeStopped(fanCtx, rt.ID); err != nil {
				logger.Warn("failed to mark runtime stopped", zap.String("runtime_id", rt.ID.String()), zap.Error(err))
			}
		}
		metrics.GoLiveTotal.WithLabelValues("error").Inc()
		return nil, ErrSessionEnded
	}

	if err := o.poller.Start(fanCtx, sessionID); err != nil {
		logger.Error("failed to schedule comment poller", zap.Error(err))
	}

	outcome := "live"
	if len(failures) > 0 {
		outcome = "partial"
	}
	metrics.GoLiveTotal.WithLabelValues(outcome).Inc()
	logger.Info("session live",
		zap.Int("destinations", len(dests)),
		zap.Int("started", len(started)),
		zap.Int("failed", len(failures)))

	session.Status = models.SessionLive
	session.Runtimes, err = o.sessions.ListRuntimes(fanCtx, sessionID)
	if err != nil {
		logger.Warn("failed to reload runtimes", zap.Error(err))
	}
	return session, nil
}

// resolveDestinations loads the template's credentials. Credentials that were
// unlinked or belong to another tenant are skipped.
func (o *Orchestrator) resolveDestinations(ctx context.Context, tmpl *models.BroadcastTemplate, sessionID uuid.UUID) ([]destination, error) {
	dests := make([]destination, 0, len(tmpl.ChannelIDs))
	for _, id := range tmpl.ChannelIDs {
		cred, err := o.credentials.Load(ctx, id)
		if errors.Is(err, ErrCredentialMissing) {
			o.logger.Warn("template references missing credential",
				zap.String("template_id", tmpl.ID.String()),
				zap.String("credential_id", id.String()))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load credential: %w", err)
		}
		if cred.TenantID != tmpl.TenantID {
			continue
		}

		dests = append(dests, destination{
			credential: cred,
			runtime: models.BroadcastChannelRuntime{
				ID:           uuid.New(),
				SessionID:    sessionID,
				CredentialID: cred.ID,
				Provider:     cred.Provider,
				Status:       models.RuntimePending,
			},
		})
	}
	if len(dests) == 0 {
		return nil, ErrNoDestinations
	}
	return dests, nil
}

func (o *Orchestrator) startAll(ctx context.Context, session *models.BroadcastSession, dests []destination) []startOutcome {
	meta := provider.SessionMetadata{
		SessionID: session.ID,
		Title:     session.Title,
		StartedAt: session.StartedAt,
	}

	outcomes := make([]startOutcome, len(dests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanoutConcurrency)

	for i, d := range dests {
		i, d := i, d
		g.Go(func() error {
			info, err := o.start(gctx, d, meta)
			outcomes[i] = startOutcome{info: info, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) start(ctx context.Context, d destination, meta provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	adapter, err := o.registry.Get(d.credential.Provider)
	if err != nil {
		return nil, err
	}
	cred, err := o.credentials.Open(d.credential)
	if err != nil {
		return nil, err
	}

	return callAdapter(ctx, o.cfg.Retry, d.credential.Provider, "start", func(ctx context.Context) (*provider.BroadcastInfo, error) {
		return adapter.StartBroadcast(ctx, cred, meta)
	})
}

// StopEgress ends the session and tells every started destination to stop.
// It is idempotent: once the session has ended, further calls do nothing.
func (o *Orchestrator) StopEgress(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && session.TenantID != tenantID) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	logger := o.logger.With(zap.String("session_id", sessionID.String()))

	ended, err := o.sessions.End(ctx, sessionID, o.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	// Releasing is conditional on the session id, so repeating it is harmless
	// and heals a claim left behind by an interrupted stop.
	o.release(ctx, session.TemplateID, sessionID, logger)
	if !ended {
		return nil
	}

	fanCtx := context.WithoutCancel(ctx)

	if err := o.poller.Stop(fanCtx, sessionID); err != nil {
		logger.Warn("failed to cancel pending poll", zap.Error(err))
	}

	runtimes, err := o.sessions.ListRuntimes(fanCtx, sessionID)
	if err != nil {
		logger.Error("failed to list runtimes", zap.Error(err))
	}

	var toStop []models.BroadcastChannelRuntime
	for _, rt := range runtimes {
		if rt.HasBroadcast() && rt.Status != models.RuntimeStopped {
			toStop = append(toStop, rt)
		}
	}
	o.stopAll(fanCtx, toStop, logger)

	for _, rt := range runtimes {
		if rt.Status == models.RuntimeActive || rt.Status == models.RuntimePending {
			if err := o.sessions.MarkRuntimeStopped(fanCtx, rt.ID); err != nil {
				logger.Warn("failed to mark runtime stopped", zap.String("runtime_id", rt.ID.String()), zap.Error(err))
			}
		}
	}

	if err := o.sessions.SetStatus(fanCtx, sessionID, models.SessionEnded); err != nil {
		logger.Warn("failed to mark session ended", zap.Error(err))
	}
	if o.notifier != nil {
		if err := o.notifier.PublishSessionEnded(fanCtx, sessionID); err != nil {
			logger.Warn("failed to publish session end", zap.Error(err))
		}
	}

	logger.Info("session ended", zap.Int("stopped_destinations", len(toStop)))
	return nil
}

// stopAll stops destinations concurrently. Failures are logged only.
func (o *Orchestrator) stopAll(ctx context.Context, runtimes []models.BroadcastChannelRuntime, logger *zap.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanoutConcurrency)

	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			if err := o.stop(gctx, rt); err != nil {
				logger.Warn("failed to stop destination",
					zap.String("runtime_id", rt.ID.String()),
					zap.String("provider", string(rt.Provider)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) stop(ctx context.Context, rt models.BroadcastChannelRuntime) error {
	if !rt.HasBroadcast() {
		return nil
	}
	adapter, err := o.registry.Get(rt.Provider)
	if err != nil {
		return err
	}
	_, cred, err := o.credentials.LoadAndOpen(ctx, rt.CredentialID)
	if err != nil {
		return err
	}

	_, err = callAdapter(ctx, o.cfg.Retry, rt.Provider, "stop", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, adapter.StopBroadcast(ctx, cred, *rt.ExternalBroadcastID)
	})
	return err
}

func (o *Orchestrator) release(ctx context.Context, templateID, sessionID uuid.UUID, logger *zap.Logger) {
	if err := o.templates.Release(ctx, templateID, sessionID); err != nil {
		logger.Error("failed to release template", zap.Error(err))
	}
}

// Session returns a session of the tenant with its runtimes.
func (o *Orchestrator) Session(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.BroadcastSession, error) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && session.TenantID != tenantID) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.Runtimes, err = o.sessions.ListRuntimes(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtimes: %w", err)
	}
	return session, nil
}

func applyInfo(rt *models.BroadcastChannelRuntime, info provider.BroadcastInfo) {
	rt.Status = models.RuntimeActive
	rt.ExternalBroadcastID = optional(info.ExternalBroadcastID)
	rt.ExternalStreamID = optional(info.ExternalStreamID)
	rt.ExternalChatID = optional(info.ExternalChatID)
	rt.IngestURL = optional(info.IngestURL)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
