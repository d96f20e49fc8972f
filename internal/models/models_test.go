package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestBroadcastComment_DedupKey(t *testing.T) {
	published := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	local := published.In(time.FixedZone("CEST", 2*60*60))

	withID := BroadcastComment{ExternalID: strPtr("m1"), AuthorName: "ann", Content: "hi"}
	sameIDOtherText := BroadcastComment{ExternalID: strPtr("m1"), AuthorName: "bob", Content: "edited"}
	assert.Equal(t, withID.DedupKey(), sameIDOtherText.DedupKey())

	a := BroadcastComment{AuthorName: "ann", Content: "hi", PublishedAt: &published}
	b := BroadcastComment{ExternalID: strPtr(""), AuthorName: "ann", Content: "hi", PublishedAt: &local}
	assert.Equal(t, a.DedupKey(), b.DedupKey(), "tuple key ignores empty ids and time zones")

	c := BroadcastComment{AuthorName: "ann", Content: "hi again", PublishedAt: &published}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
	assert.NotEqual(t, a.DedupKey(), withID.DedupKey())
}

func TestBroadcastChannelRuntime_Pollable(t *testing.T) {
	tests := []struct {
		name string
		rt   BroadcastChannelRuntime
		want bool
	}{
		{"active with chat", BroadcastChannelRuntime{Status: RuntimeActive, ExternalChatID: strPtr("chat")}, true},
		{"active without chat", BroadcastChannelRuntime{Status: RuntimeActive}, false},
		{"active with empty chat", BroadcastChannelRuntime{Status: RuntimeActive, ExternalChatID: strPtr("")}, false},
		{"failed", BroadcastChannelRuntime{Status: RuntimeFailed, ExternalChatID: strPtr("chat")}, false},
		{"stopped", BroadcastChannelRuntime{Status: RuntimeStopped, ExternalChatID: strPtr("chat")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rt.Pollable())
		})
	}
}

func TestProviderType_Valid(t *testing.T) {
	assert.True(t, ProviderYouTube.Valid())
	assert.True(t, ProviderRTMP.Valid())
	assert.False(t, ProviderType("facebook").Valid())
}
