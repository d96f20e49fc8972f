// Package youtube streams to YouTube Live through the Data API v3. Every
// session creates a liveBroadcast bound to a fresh liveStream, and comments
// are read from the broadcast's live chat.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// RequestsPerSecond caps outbound API calls across all sessions. Zero
	// disables the limit.
	RequestsPerSecond float64
	// APIEndpoint and OAuthEndpoint override Google's endpoints.
	APIEndpoint   string
	OAuthEndpoint *oauth2.Endpoint
}

type Adapter struct {
	oauth    *oauth2.Config
	endpoint string
	limiter  *rate.Limiter
}

func New(cfg Config) *Adapter {
	endpoint := google.Endpoint
	if cfg.OAuthEndpoint != nil {
		endpoint = *cfg.OAuthEndpoint
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{yt.YoutubeScope},
		},
		endpoint: cfg.APIEndpoint,
		limiter:  rate.NewLimiter(limit, 5),
	}
}

func (a *Adapter) AuthCodeURL(state string) (string, error) {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (a *Adapter) Exchange(ctx context.Context, code string) ([]byte, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classify(err)
	}
	return json.Marshal(tok)
}

func (a *Adapter) StartBroadcast(ctx context.Context, cred provider.Credential, meta provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}
	bc, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, &yt.LiveBroadcast{
		Snippet: &yt.LiveBroadcastSnippet{
			Title:              meta.Title,
			ScheduledStartTime: meta.StartedAt.UTC().Format(time.RFC3339),
		},
		Status: &yt.LiveBroadcastStatus{
			PrivacyStatus: "public",
		},
		ContentDetails: &yt.LiveBroadcastContentDetails{
			EnableAutoStart: true,
			EnableAutoStop:  true,
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	info, err := a.bindStream(ctx, svc, bc, meta)
	if err != nil {
		// Leave no orphaned broadcast behind on the channel.
		_ = svc.LiveBroadcasts.Delete(bc.Id).Context(ctx).Do()
		return nil, err
	}
	return info, nil
}

func (a *Adapter) bindStream(ctx context.Context, svc *yt.Service, bc *yt.LiveBroadcast, meta provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}
	st, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, &yt.LiveStream{
		Snippet: &yt.LiveStreamSnippet{Title: meta.Title},
		Cdn: &yt.CdnSettings{
			IngestionType: "rtmp",
			Resolution:    "variable",
			FrameRate:     "variable",
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}
	if _, err := svc.LiveBroadcasts.Bind(bc.Id, []string{"id", "contentDetails"}).StreamId(st.Id).Context(ctx).Do(); err != nil {
		return nil, classify(err)
	}

	info := &provider.BroadcastInfo{
		ExternalBroadcastID: bc.Id,
		ExternalStreamID:    st.Id,
	}
	if bc.Snippet != nil {
		info.ExternalChatID = bc.Snippet.LiveChatId
	}
	if st.Cdn != nil && st.Cdn.IngestionInfo != nil {
		info.IngestURL = st.Cdn.IngestionInfo.IngestionAddress + "/" + st.Cdn.IngestionInfo.StreamName
	}
	return info, nil
}

func (a *Adapter) StopBroadcast(ctx context.Context, cred provider.Credential, externalBroadcastID string) error {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return unavailable(err)
	}

	_, err = svc.LiveBroadcasts.Transition("complete", externalBroadcastID, []string{"status"}).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) FetchComments(ctx context.Context, cred provider.Credential, chatID, cursor string) (*provider.CommentBatch, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}

	call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	batch := &provider.CommentBatch{}
	for _, item := range resp.Items {
		if item.Snippet == nil {
			continue
		}
		c := provider.Comment{
			ExternalID: item.Id,
			Content:    item.Snippet.DisplayMessage,
		}
		if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			c.PublishedAt = &t
		}
		if item.AuthorDetails != nil {
			c.AuthorName = item.AuthorDetails.DisplayName
			c.IsAdmin = item.AuthorDetails.IsChatOwner || item.AuthorDetails.IsChatModerator
		}
		batch.Comments = append(batch.Comments, c)
	}
	if len(batch.Comments) > 0 {
		batch.NextCursor = resp.NextPageToken
	}
	return batch, nil
}

func (a *Adapter) ViewerCount(ctx context.Context, cred provider.Credential, externalBroadcastID string) (int64, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return 0, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, unavailable(err)
	}

	resp, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(externalBroadcastID).Context(ctx).Do()
	if err != nil {
		return 0, classify(err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil {
		return 0, nil
	}
	return int64(resp.Items[0].LiveStreamingDetails.ConcurrentViewers), nil
}

func (a *Adapter) Identify(ctx context.Context, secret []byte) (*provider.Identity, error) {
	svc, err := a.service(ctx, provider.Credential{Secret: secret})
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}

	resp, err := svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Items) == 0 {
		return nil, &provider.AuthError{Provider: models.ProviderYouTube, Err: errors.New("credential has no youtube channel")}
	}

	ch := resp.Items[0]
	id := &provider.Identity{ExternalID: ch.Id}
	if ch.Snippet != nil {
		id.Title = ch.Snippet.Title
	}
	return id, nil
}

func (a *Adapter) service(ctx context.Context, cred provider.Credential) (*yt.Service, error) {
	tok := &oauth2.Token{}
	if err := json.Unmarshal(cred.Secret, tok); err != nil {
		return nil, &provider.AuthError{Provider: models.ProviderYouTube, Err: fmt.Errorf("invalid token: %w", err)}
	}

	src := &savingTokenSource{
		ctx:    ctx,
		base:   a.oauth.TokenSource(ctx, tok),
		cred:   cred,
		issued: tok.AccessToken,
	}

	opts := []option.ClientOption{option.WithTokenSource(src)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}

	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, unavailable(err)
	}
	return svc, nil
}

// savingTokenSource persists a token through cred.Save whenever the
// underlying source refreshed it.
type savingTokenSource struct {
	ctx  context.Context
	base oauth2.TokenSource
	cred provider.Credential

	mu     sync.Mutex
	issued string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.issued || s.cred.Save == nil {
		return tok, nil
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	if err := s.cred.Save(s.ctx, s.cred.ID, raw); err != nil {
		return nil, fmt.Errorf("failed to save refreshed token: %w", err)
	}
	s.issued = tok.AccessToken
	return tok, nil
}

// Reasons that come back as 403 without meaning the credential is bad.
var transientReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"liveChatEnded":         true,
	"liveChatDisabled":      true,
}

func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &provider.AuthError{Provider: models.ProviderYouTube, Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return &provider.AuthError{Provider: models.ProviderYouTube, Err: err}
		case http.StatusForbidden:
			for _, item := range gerr.Errors {
				if transientReasons[item.Reason] {
					return unavailable(err)
				}
			}
			return &provider.AuthError{Provider: models.ProviderYouTube, Err: err}
		}
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return &provider.UnavailableError{Provider: models.ProviderYouTube, Err: err}
}
