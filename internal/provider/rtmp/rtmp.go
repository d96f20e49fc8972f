// Package rtmp implements a generic push destination: the tenant supplies an
// ingest URL and stream key. There is no remote lifecycle and no chat.
package rtmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

// Secret is the stored credential of an rtmp destination.
type Secret struct {
	URL       string `json:"url"`
	StreamKey string `json:"stream_key"`
}

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) StartBroadcast(_ context.Context, cred provider.Credential, _ provider.SessionMetadata) (*provider.BroadcastInfo, error) {
	s, err := parse(cred.Secret)
	if err != nil {
		return nil, &provider.AuthError{Provider: models.ProviderRTMP, Err: err}
	}
	return &provider.BroadcastInfo{IngestURL: s.ingestURL()}, nil
}

// StopBroadcast is a no-op; the push ends with the media track.
func (a *Adapter) StopBroadcast(context.Context, provider.Credential, string) error {
	return nil
}

func (a *Adapter) FetchComments(_ context.Context, _ provider.Credential, _ string, cursor string) (*provider.CommentBatch, error) {
	return &provider.CommentBatch{NextCursor: ""}, nil
}

func (a *Adapter) Identify(_ context.Context, secret []byte) (*provider.Identity, error) {
	s, err := parse(secret)
	if err != nil {
		return nil, &provider.AuthError{Provider: models.ProviderRTMP, Err: err}
	}

	u, _ := url.Parse(s.URL)
	return &provider.Identity{
		Title:     u.Host,
		IngestURL: s.URL,
	}, nil
}

func (s Secret) ingestURL() string {
	return strings.TrimRight(s.URL, "/") + "/" + s.StreamKey
}

func parse(raw []byte) (Secret, error) {
	var s Secret
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("invalid rtmp credential: %w", err)
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return s, fmt.Errorf("invalid ingest url: %w", err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return s, fmt.Errorf("ingest url scheme must be rtmp or rtmps, got %q", u.Scheme)
	}
	if u.Host == "" {
		return s, errors.New("ingest url has no host")
	}
	if s.StreamKey == "" {
		return s, errors.New("stream key is required")
	}
	return s, nil
}
