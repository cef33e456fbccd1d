package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"go-dm-relay/internal/model"
	"go-dm-relay/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationService_CursorIsStableOnEqualTimestamps(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	a, b := env.alice.ID, env.bob.ID

	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return frozen }

	var want []string
	for i := 0; i < 5; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		want = append(want, env.send(t, from, to, "same instant").ID)
	}
	// noise from another conversation
	env.send(t, a, env.carol.ID, "elsewhere")

	sort.Sort(sort.Reverse(sort.StringSlice(want)))

	tests := []struct {
		name  string
		limit int
	}{
		{"one per page", 1},
		{"two per page", 2},
		{"everything", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			var cursor *model.Cursor
			for pages := 0; pages < 10; pages++ {
				page, err := env.convs.ListConversation(ctx, b, a, tt.limit, cursor)
				require.NoError(t, err)
				for _, m := range page.Messages {
					got = append(got, m.ID)
				}
				if !page.HasMore {
					assert.Empty(t, page.NextCursor)
					break
				}
				cursor, err = model.DecodeCursor(page.NextCursor)
				require.NoError(t, err)
			}
			assert.Equal(t, want, got, "no row is skipped or repeated")
		})
	}
}

func TestConversationService_ListValidation(t *testing.T) {
	env := setupEnv(t, false)
	_, err := env.convs.ListConversation(context.Background(), env.alice.ID, env.alice.ID, 10, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestConversationService_Reconcile(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()
	a, b, c := env.alice.ID, env.bob.ID, env.carol.ID

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	env.svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	m1 := env.send(t, a, b, "1")
	m2 := env.send(t, c, b, "2")
	m3 := env.send(t, b, a, "3")
	env.send(t, a, c, "not bob's")
	m5 := env.send(t, b, c, "5")

	page, err := env.convs.Reconcile(ctx, b, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID, m2.ID}, messageIDs(page.Messages))
	assert.True(t, page.HasMore)

	since, err := model.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	page, err = env.convs.Reconcile(ctx, b, since, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{m3.ID, m5.ID}, messageIDs(page.Messages))
	assert.False(t, page.HasMore)

	// nothing new: the cursor is echoed so the client keeps its place
	last, err := model.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	page, err = env.convs.Reconcile(ctx, b, last, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, last.Encode(), page.NextCursor)

	// hidden rows stay hidden on resync
	require.NoError(t, env.svc.DeleteForMe(ctx, b, m2.ID))
	page, err = env.convs.Reconcile(ctx, b, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID, m3.ID, m5.ID}, messageIDs(page.Messages))
}
