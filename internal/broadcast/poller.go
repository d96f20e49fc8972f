package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tullo/simulcast/internal/metrics"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/repository"
	"github.com/tullo/simulcast/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PollerConfig struct {
	// Interval is the delay between the end of one tick and the next.
	Interval time.Duration
	// FetchTimeout bounds each adapter call of a tick.
	FetchTimeout time.Duration
	// Concurrency caps runtimes fetched in parallel within one tick.
	Concurrency int
}

// Poller pulls comments for live sessions. Each tick handles one session and
// schedules the next tick itself; a tick that finds the session ended does
// not reschedule, which is what stops polling.
type Poller struct {
	sessions    SessionStore
	comments    CommentStore
	credentials *Credentials
	registry    *provider.Registry
	sched       scheduler.Scheduler
	notifier    Notifier
	clock       clockwork.Clock
	logger      *zap.Logger
	cfg         PollerConfig
}

func NewPoller(
	sessions SessionStore,
	comments CommentStore,
	credentials *Credentials,
	registry *provider.Registry,
	sched scheduler.Scheduler,
	notifier Notifier,
	clock clockwork.Clock,
	logger *zap.Logger,
	cfg PollerConfig,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &Poller{
		sessions:    sessions,
		comments:    comments,
		credentials: credentials,
		registry:    registry,
		sched:       sched,
		notifier:    notifier,
		clock:       clock,
		logger:      logger.With(zap.String("feature", "comment-poller")),
		cfg:         cfg,
	}
}

// Start schedules the first tick of a session right away.
func (p *Poller) Start(ctx context.Context, sessionID uuid.UUID) error {
	return p.sched.Schedule(ctx, sessionID.String(), p.clock.Now())
}

// Stop drops a pending tick. A tick already running finishes and observes the
// ended session on its own.
func (p *Poller) Stop(ctx context.Context, sessionID uuid.UUID) error {
	return p.sched.Cancel(ctx, sessionID.String())
}

// Resume makes sure every live session has a pending tick. Ticks lost to a
// restart would otherwise end polling for good.
func (p *Poller) Resume(ctx context.Context) error {
	sessions, err := p.sessions.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live sessions: %w", err)
	}

	now := p.clock.Now()
	for _, s := range sessions {
		if err := p.sched.Ensure(ctx, s.ID.String(), now); err != nil {
			return fmt.Errorf("failed to resume session %s: %w", s.ID, err)
		}
	}
	p.logger.Info("resumed comment polling", zap.Int("sessions", len(sessions)))
	return nil
}

// Handle is the scheduler entry point.
func (p *Poller) Handle(ctx context.Context, key string) {
	sessionID, err := uuid.Parse(key)
	if err != nil {
		p.logger.Error("dropping task with invalid session id", zap.String("key", key))
		return
	}
	if _, err := p.Tick(ctx, sessionID); err != nil {
		p.logger.Error("poll tick failed", zap.String("session_id", key), zap.Error(err))
	}
}

// Tick runs one polling round for a session and reports whether the next
// round was scheduled.
func (p *Poller) Tick(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	start := p.clock.Now()
	defer func() {
		metrics.PollTickDuration.Observe(p.clock.Since(start).Seconds())
	}()

	logger := p.logger.With(zap.String("session_id", sessionID.String()))

	session, err := p.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.PollTicksTotal.WithLabelValues("terminated").Inc()
		return false, nil
	}
	if err != nil {
		// A store hiccup must not end polling for a live session.
		return p.reschedule(ctx, sessionID, fmt.Errorf("failed to load session: %w", err))
	}
	if session.Ended() {
		logger.Debug("session ended, not rescheduling")
		metrics.PollTicksTotal.WithLabelValues("terminated").Inc()
		return false, nil
	}

	runtimes, err := p.sessions.ListRuntimes(ctx, sessionID)
	if err != nil {
		return p.reschedule(ctx, sessionID, fmt.Errorf("failed to list runtimes: %w", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, rt := range runtimes {
		rt := rt
		if rt.Status != models.RuntimeActive {
			continue
		}
		g.Go(func() error {
			p.pollRuntime(gctx, session, rt, logger)
			return nil
		})
	}
	_ = g.Wait()

	// Re-read so a stop that landed during this tick is not followed by
	// another tick.
	session, err = p.sessions.GetByID(ctx, sessionID)
	if err == nil && session.Ended() {
		metrics.PollTicksTotal.WithLabelValues("terminated").Inc()
		return false, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		metrics.PollTicksTotal.WithLabelValues("terminated").Inc()
		return false, nil
	}

	return p.reschedule(ctx, sessionID, nil)
}

func (p *Poller) reschedule(ctx context.Context, sessionID uuid.UUID, cause error) (bool, error) {
	result := "rescheduled"
	if cause != nil {
		result = "error"
	}

	if err := p.sched.Schedule(ctx, sessionID.String(), p.clock.Now().Add(p.cfg.Interval)); err != nil {
		metrics.PollTicksTotal.WithLabelValues("error").Inc()
		return false, errors.Join(cause, fmt.Errorf("failed to reschedule: %w", err))
	}
	metrics.PollTicksTotal.WithLabelValues(result).Inc()
	return true, cause
}

// pollRuntime fetches and stores new comments of one runtime and refreshes its
// view count. Errors are logged and never abort the tick.
func (p *Poller) pollRuntime(ctx context.Context, session *models.BroadcastSession, rt models.BroadcastChannelRuntime, logger *zap.Logger) {
	logger = logger.With(zap.String("runtime_id", rt.ID.String()), zap.String("provider", string(rt.Provider)))

	adapter, err := p.registry.Get(rt.Provider)
	if err != nil {
		logger.Warn("no adapter for runtime", zap.Error(err))
		return
	}
	_, cred, err := p.credentials.LoadAndOpen(ctx, rt.CredentialID)
	if err != nil {
		logger.Warn("failed to open credential", zap.Error(err))
		return
	}

	if rt.Pollable() {
		if err := p.fetch(ctx, session, rt, adapter, cred); err != nil {
			logger.Warn("failed to fetch comments", zap.Bool("auth", provider.IsAuth(err)), zap.Error(err))
		}
	}

	if counter, ok := adapter.(provider.ViewerCounter); ok && rt.HasBroadcast() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()

		count, err := observe(fetchCtx, rt.Provider, "viewers", func(ctx context.Context) (int64, error) {
			return counter.ViewerCount(ctx, cred, *rt.ExternalBroadcastID)
		})
		if err != nil {
			logger.Debug("failed to fetch viewer count", zap.Error(err))
			return
		}
		if err := p.sessions.UpdateViewCount(ctx, rt.ID, count); err != nil {
			logger.Warn("failed to store viewer count", zap.Error(err))
		}
	}
}

func (p *Poller) fetch(ctx context.Context, session *models.BroadcastSession, rt models.BroadcastChannelRuntime, adapter provider.Adapter, cred provider.Credential) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	cursor := rt.Cursor()
	batch, err := observe(fetchCtx, rt.Provider, "fetch_comments", func(ctx context.Context) (*provider.CommentBatch, error) {
		return adapter.FetchComments(ctx, cred, *rt.ExternalChatID, cursor)
	})
	if err != nil {
		return err
	}

	comments := toComments(rt, batch.Comments)

	// Comments are stored before the cursor moves so a crash in between only
	// causes a refetch, which dedup absorbs.
	var inserted []models.BroadcastComment
	if len(comments) > 0 {
		inserted, err = p.comments.InsertBatch(ctx, rt.ID, comments)
		if err != nil {
			return fmt.Errorf("failed to store comments: %w", err)
		}
	}

	if batch.NextCursor != "" && batch.NextCursor != cursor {
		if err := p.sessions.UpdateCursor(ctx, rt.ID, batch.NextCursor); err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}
	}

	if len(inserted) == 0 {
		return nil
	}
	metrics.CommentsIngestedTotal.WithLabelValues(string(rt.Provider)).Add(float64(len(inserted)))

	if p.notifier != nil {
		event := models.CommentsEvent{SessionID: session.ID, Comments: inserted}
		if err := p.notifier.PublishComments(ctx, event); err != nil {
			p.logger.Warn("failed to publish comments", zap.String("session_id", session.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// toComments converts a fetch result and drops duplicates within the batch.
func toComments(rt models.BroadcastChannelRuntime, in []provider.Comment) []models.BroadcastComment {
	out := make([]models.BroadcastComment, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		bc := models.BroadcastComment{
			RuntimeID:   rt.ID,
			Provider:    rt.Provider,
			ExternalID:  optional(c.ExternalID),
			AuthorName:  c.AuthorName,
			Content:     c.Content,
			PublishedAt: c.PublishedAt,
			IsAdmin:     c.IsAdmin,
		}
		key := bc.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, bc)
	}
	return out
}
