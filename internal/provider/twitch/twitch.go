// Package twitch streams to a Twitch channel. Helix has no egress lifecycle
// and no chat history endpoint, so starting a broadcast means setting the
// channel title and handing out the ingest URL with the channel's stream key.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nicklaw5/helix/v2"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"golang.org/x/time/rate"
)

var scopes = []string{"channel:manage:broadcast", "channel:read:stream_key", "user:read:email"}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	IngestURL    string
	// APIBaseURL overrides the Helix base URL.
	APIBaseURL string
	// RequestsPerSecond caps outbound Helix calls. Zero disables the limit.
	RequestsPerSecond float64
}

// Secret is the stored credential of a twitch destination.
type Secret struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type Adapter struct {
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) *Adapter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Adapter{cfg: cfg, limiter: rate.NewLimiter(limit, 5)}
}

func (a *Adapter) StartBroadcast(ctx context.Context, cred provider.Credential, meta provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	if cred.ExternalID == "" {
		return nil, &provider.AuthError{Provider: models.ProviderTwitch, Err: errors.New("credential has no broadcaster id")}
	}
	client, err := a.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	if meta.Title != "" {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, unavailable(err)
		}
		resp, err := client.EditChannelInformation(&helix.EditChannelInformationParams{
			BroadcasterID: cred.ExternalID,
			Title:         meta.Title,
		})
		if err != nil {
			return nil, unavailable(err)
		}
		if err := statusError(resp.ResponseCommon); err != nil {
			return nil, err
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}
	keyResp, err := client.GetStreamKey(&helix.StreamKeyParams{BroadcasterID: cred.ExternalID})
	if err != nil {
		return nil, unavailable(err)
	}
	if err := statusError(keyResp.ResponseCommon); err != nil {
		return nil, err
	}
	if len(keyResp.Data.Data) == 0 || keyResp.Data.Data[0].StreamKey == "" {
		return nil, unavailable(errors.New("no stream key returned"))
	}

	ingest := a.cfg.IngestURL
	if cred.IngestURL != "" {
		ingest = cred.IngestURL
	}

	return &provider.BroadcastInfo{
		ExternalBroadcastID: cred.ExternalID,
		IngestURL:           strings.TrimRight(ingest, "/") + "/" + keyResp.Data.Data[0].StreamKey,
	}, nil
}

// StopBroadcast is a no-op: a Twitch stream ends when ingest stops.
func (a *Adapter) StopBroadcast(context.Context, provider.Credential, string) error {
	return nil
}

// FetchComments returns nothing. Twitch chat is push only and the adapter
// never hands out a chat id, so the poller does not call it.
func (a *Adapter) FetchComments(context.Context, provider.Credential, string, string) (*provider.CommentBatch, error) {
	return &provider.CommentBatch{}, nil
}

func (a *Adapter) ViewerCount(ctx context.Context, cred provider.Credential, externalBroadcastID string) (int64, error) {
	client, err := a.client(ctx, cred)
	if err != nil {
		return 0, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, unavailable(err)
	}

	resp, err := client.GetStreams(&helix.StreamsParams{UserIDs: []string{externalBroadcastID}})
	if err != nil {
		return 0, unavailable(err)
	}
	if err := statusError(resp.ResponseCommon); err != nil {
		return 0, err
	}
	if len(resp.Data.Streams) == 0 {
		return 0, nil
	}
	return int64(resp.Data.Streams[0].ViewerCount), nil
}

func (a *Adapter) Identify(ctx context.Context, secret []byte) (*provider.Identity, error) {
	client, err := a.client(ctx, provider.Credential{Secret: secret})
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}

	resp, err := client.GetUsers(&helix.UsersParams{})
	if err != nil {
		return nil, unavailable(err)
	}
	if err := statusError(resp.ResponseCommon); err != nil {
		return nil, err
	}
	if len(resp.Data.Users) == 0 {
		return nil, &provider.AuthError{Provider: models.ProviderTwitch, Err: errors.New("token has no user")}
	}

	u := resp.Data.Users[0]
	return &provider.Identity{
		ExternalID: u.ID,
		Title:      u.DisplayName,
		IngestURL:  a.cfg.IngestURL,
	}, nil
}

func (a *Adapter) AuthCodeURL(state string) (string, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:    a.cfg.ClientID,
		RedirectURI: a.cfg.RedirectURL,
	})
	if err != nil {
		return "", fmt.Errorf("twitch oauth is not configured: %w", err)
	}
	return client.GetAuthorizationURL(&helix.AuthorizationURLParams{
		ResponseType: "code",
		Scopes:       scopes,
		State:        state,
	}), nil
}

func (a *Adapter) Exchange(ctx context.Context, code string) ([]byte, error) {
	client, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		RedirectURI:  a.cfg.RedirectURL,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	resp, err := client.RequestUserAccessToken(code)
	if err != nil {
		return nil, unavailable(err)
	}
	if err := statusError(resp.ResponseCommon); err != nil {
		return nil, err
	}
	return json.Marshal(Secret{
		AccessToken:  resp.Data.AccessToken,
		RefreshToken: resp.Data.RefreshToken,
	})
}

func (a *Adapter) client(ctx context.Context, cred provider.Credential) (*helix.Client, error) {
	var s Secret
	if err := json.Unmarshal(cred.Secret, &s); err != nil || s.AccessToken == "" {
		return nil, &provider.AuthError{Provider: models.ProviderTwitch, Err: errors.New("invalid twitch credential")}
	}

	// requests carry ctx, so the caller's deadline bounds every Helix call
	client, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:        a.cfg.ClientID,
		ClientSecret:    a.cfg.ClientSecret,
		RedirectURI:     a.cfg.RedirectURL,
		UserAccessToken: s.AccessToken,
		RefreshToken:    s.RefreshToken,
		APIBaseURL:      a.cfg.APIBaseURL,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	if cred.Save != nil {
		client.OnUserAccessTokenRefreshed(func(accessToken, refreshToken string) {
			raw, err := json.Marshal(Secret{AccessToken: accessToken, RefreshToken: refreshToken})
			if err != nil {
				return
			}
			_ = cred.Save(context.WithoutCancel(ctx), cred.ID, raw)
		})
	}
	return client, nil
}

// statusError maps a Helix status code onto the provider error taxonomy.
func statusError(common helix.ResponseCommon) error {
	switch {
	case common.StatusCode == http.StatusUnauthorized || common.StatusCode == http.StatusForbidden:
		return &provider.AuthError{Provider: models.ProviderTwitch, Err: fmt.Errorf("helix %d: %s", common.StatusCode, common.ErrorMessage)}
	case common.StatusCode >= 400:
		return unavailable(fmt.Errorf("helix %d: %s", common.StatusCode, common.ErrorMessage))
	}
	return nil
}

func unavailable(err error) error {
	return &provider.UnavailableError{Provider: models.ProviderTwitch, Err: err}
}
