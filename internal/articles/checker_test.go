package articles_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/herald/internal/articles"
	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
	"github.com/livinlefevreloca/herald/internal/testutil"
)

func TestCheckerGuardsCreate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	source := testutil.NewMockArticles("known")
	st := store.New(store.NewMemory(),
		store.WithClock(clock.NewFake(now)),
		store.WithArticles(articles.Checker{Source: source}),
	)

	_, err := st.Create(ctx, store.CreateRequest{ArticleRef: "known", AnchorTime: now.Add(time.Hour)})
	require.NoError(t, err)

	_, err = st.Create(ctx, store.CreateRequest{ArticleRef: "unknown", AnchorTime: now.Add(time.Hour)})
	assert.True(t, schedule.IsNotFound(err), "got %v", err)

	// Storage being down is not the same as the article being missing.
	source.SetError(errors.New("connection refused"))
	_, err = st.Create(ctx, store.CreateRequest{ArticleRef: "known-later", AnchorTime: now.Add(time.Hour)})
	require.Error(t, err)
	assert.False(t, schedule.IsNotFound(err))

	assert.Equal(t, 3, source.Lookups())
}
