package broadcast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/simulcast/internal/models"
)

func ids(comments []models.BroadcastComment) []int64 {
	out := make([]int64, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.ID)
	}
	return out
}

func TestFeed_OrdersNewestFirstAcrossDestinations(t *testing.T) {
	h := newHarness(t)
	a := h.addChannel(models.ProviderYouTube)
	b := h.addChannel(models.ProviderYouTube)
	session := goLive(t, h, a, b)
	rtA := h.runtimeFor(session.ID, a)
	rtB := h.runtimeFor(session.ID, b)

	// ids are assigned in insert order: 1-3 on A, 4-5 on B
	same := publishedAt(h.clock, 5*time.Second)
	_, err := h.comments.InsertBatch(h.ctx, rtA.ID, []models.BroadcastComment{
		{AuthorName: "ann", Content: "first", PublishedAt: publishedAt(h.clock, 0)},
		{AuthorName: "ann", Content: "tie a", PublishedAt: same},
		{AuthorName: "ann", Content: "unpublished"},
	})
	require.NoError(t, err)
	_, err = h.comments.InsertBatch(h.ctx, rtB.ID, []models.BroadcastComment{
		{AuthorName: "bob", Content: "latest", PublishedAt: publishedAt(h.clock, 9*time.Second)},
		{AuthorName: "bob", Content: "tie b", PublishedAt: same},
	})
	require.NoError(t, err)

	page, err := h.feed.GetComments(h.ctx, h.tenant, session.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{4, 2, 5, 1}, ids(page.Comments), "unpublished comments are excluded, ties break by id")
	require.NotNil(t, page.NextCursor)
	assert.EqualValues(t, 5, *page.NextCursor)
}

func TestFeed_CursorReturnsOnlyNewer(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	session := goLive(t, h, cred)
	rt := h.runtimeFor(session.ID, cred)

	_, err := h.comments.InsertBatch(h.ctx, rt.ID, []models.BroadcastComment{
		{AuthorName: "ann", Content: "one", PublishedAt: publishedAt(h.clock, 0)},
		{AuthorName: "ann", Content: "two", PublishedAt: publishedAt(h.clock, time.Second)},
	})
	require.NoError(t, err)

	page, err := h.feed.GetComments(h.ctx, h.tenant, session.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, page.NextCursor)
	cursor := *page.NextCursor

	_, err = h.comments.InsertBatch(h.ctx, rt.ID, []models.BroadcastComment{
		{AuthorName: "bob", Content: "three", PublishedAt: publishedAt(h.clock, 2*time.Second)},
	})
	require.NoError(t, err)

	page, err = h.feed.GetComments(h.ctx, h.tenant, session.ID, &cursor)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(page.Comments))
	assert.EqualValues(t, 3, *page.NextCursor)

	// Nothing newer: the cursor is handed back unchanged.
	next := *page.NextCursor
	page, err = h.feed.GetComments(h.ctx, h.tenant, session.ID, &next)
	require.NoError(t, err)
	assert.Empty(t, page.Comments)
	assert.NotNil(t, page.Comments)
	assert.EqualValues(t, 3, *page.NextCursor)
}

func TestFeed_PageSizeLimit(t *testing.T) {
	h := newHarness(t)
	cred := h.addChannel(models.ProviderYouTube)
	session := goLive(t, h, cred)
	rt := h.runtimeFor(session.ID, cred)

	batch := make([]models.BroadcastComment, 0, 25)
	for i := 0; i < 25; i++ {
		batch = append(batch, models.BroadcastComment{
			AuthorName:  "ann",
			Content:     "msg",
			PublishedAt: publishedAt(h.clock, time.Duration(i)*time.Second),
		})
	}
	_, err := h.comments.InsertBatch(h.ctx, rt.ID, batch)
	require.NoError(t, err)

	page, err := h.feed.GetComments(h.ctx, h.tenant, session.ID, nil)
	require.NoError(t, err)
	assert.Len(t, page.Comments, DefaultPageSize)
	assert.EqualValues(t, 25, page.Comments[0].ID)
}

func TestFeed_EmptySession(t *testing.T) {
	h := newHarness(t)
	session := goLive(t, h, h.addChannel(models.ProviderYouTube))

	page, err := h.feed.GetComments(h.ctx, h.tenant, session.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Comments)
	assert.Nil(t, page.NextCursor)
}

func TestFeed_SessionNotFound(t *testing.T) {
	h := newHarness(t)
	session := goLive(t, h, h.addChannel(models.ProviderYouTube))

	_, err := h.feed.GetComments(h.ctx, h.tenant, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.feed.GetComments(h.ctx, uuid.New(), session.ID, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
