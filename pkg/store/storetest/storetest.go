// Package storetest is a conformance suite shared by every store.Driver.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/companion/pkg/store"
)

// Run exercises driver primitives and the Store adapter against drivers
// produced by newDriver. Each subtest gets a fresh, migrated driver.
func Run(t *testing.T, newDriver func(t *testing.T) store.Driver) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, d store.Driver)
	}{
		{"SessionsNewestFirst", testSessionsNewestFirst},
		{"TurnIDsIncrease", testTurnIDsIncrease},
		{"ListTurnsFilters", testListTurnsFilters},
		{"DeleteTurnsScopedToPair", testDeleteTurnsScopedToPair},
		{"MemoryRecordUpsert", testMemoryRecordUpsert},
		{"PaginationOrdering", testPaginationOrdering},
		{"ClearThenLoad", testClearThenLoad},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDriver(t)
			require.NoError(t, d.Migrate(context.Background()))
			tc.fn(t, d)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func testSessionsNewestFirst(t *testing.T, d store.Driver) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	older, err := d.CreateSession(ctx, &store.Session{ID: uuid.NewString(), UserID: "u1", CreatedAt: base})
	require.NoError(t, err)
	newer, err := d.CreateSession(ctx, &store.Session{ID: uuid.NewString(), UserID: "u1", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = d.CreateSession(ctx, &store.Session{ID: uuid.NewString(), UserID: "u2", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	list, err := d.ListSessions(ctx, &store.FindSession{UserID: ptr("u1")})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), list[0].CreatedAt.UnixMilli())

	limited, err := d.ListSessions(ctx, &store.FindSession{UserID: ptr("u1"), Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)

	none, err := d.ListSessions(ctx, &store.FindSession{UserID: ptr("nobody")})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func appendTurns(t *testing.T, d store.Driver, sessionID, userID string, n int) []*store.Turn {
	t.Helper()
	out := make([]*store.Turn, 0, n)
	for i := 0; i < n; i++ {
		sender := store.SenderUser
		if i%2 == 1 {
			sender = store.SenderAI
		}
		turn, err := d.CreateTurn(context.Background(), &store.Turn{
			SessionID: sessionID,
			UserID:    userID,
			Sender:    sender,
			Text:      fmt.Sprintf("turn %d", i),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		out = append(out, turn)
	}
	return out
}

func testTurnIDsIncrease(t *testing.T, d store.Driver) {
	turns := appendTurns(t, d, "s1", "u1", 5)
	for i := 1; i < len(turns); i++ {
		assert.Greater(t, turns[i].ID, turns[i-1].ID)
	}
	assert.Equal(t, store.SenderAI, turns[1].Sender)
	assert.Equal(t, "turn 4", turns[4].Text)
}

func testListTurnsFilters(t *testing.T, d store.Driver) {
	ctx := context.Background()
	turns := appendTurns(t, d, "s1", "u1", 6)
	appendTurns(t, d, "s2", "u1", 2)

	asc, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, asc, 6)
	assert.Equal(t, turns[0].ID, asc[0].ID)

	desc, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s1", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, turns[5].ID, desc[0].ID)
	assert.Equal(t, turns[4].ID, desc[1].ID)

	before, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s1", BeforeID: ptr(turns[3].ID), Desc: true})
	require.NoError(t, err)
	require.Len(t, before, 3)
	for _, turn := range before {
		assert.Less(t, turn.ID, turns[3].ID)
	}

	other, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s1", UserID: ptr("someone-else")})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testDeleteTurnsScopedToPair(t *testing.T, d store.Driver) {
	ctx := context.Background()
	appendTurns(t, d, "s1", "u1", 3)
	appendTurns(t, d, "s2", "u1", 2)

	require.NoError(t, d.DeleteTurns(ctx, &store.DeleteTurn{SessionID: "s1", UserID: "u1"}))

	left, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, left)
	kept, err := d.ListTurns(ctx, &store.FindTurn{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func testMemoryRecordUpsert(t *testing.T, d store.Driver) {
	ctx := context.Background()
	missing, err := d.GetMemoryRecord(ctx, &store.FindMemoryRecord{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := time.UnixMilli(1_700_000_000_000)
	_, err = d.UpsertMemoryRecord(ctx, &store.MemoryRecord{UserID: "u1", SessionID: "s1", Summary: "first", LastUpdate: first})
	require.NoError(t, err)
	_, err = d.UpsertMemoryRecord(ctx, &store.MemoryRecord{UserID: "u1", SessionID: "s1", Summary: "second", LastUpdate: first.Add(time.Minute)})
	require.NoError(t, err)

	got, err := d.GetMemoryRecord(ctx, &store.FindMemoryRecord{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Summary)
	assert.Equal(t, first.Add(time.Minute).UnixMilli(), got.LastUpdate.UnixMilli())

	other, err := d.GetMemoryRecord(ctx, &store.FindMemoryRecord{UserID: "u2", SessionID: "s1"})
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testPaginationOrdering(t *testing.T, d store.Driver) {
	ctx := context.Background()
	s := store.New(d)
	const total = 2*store.DefaultPageSize + 7
	appendTurns(t, d, "s1", "u1", total)

	page, err := s.LoadInitialPage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, page.Turns, store.DefaultPageSize)
	assert.True(t, page.HasMore)

	all := page.Turns
	for page.HasMore {
		page, err = s.LoadOlderPage(ctx, "s1", all[0].ID)
		require.NoError(t, err)
		all = append(append([]*store.Turn{}, page.Turns...), all...)
	}
	require.Len(t, all, total)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].ID, all[i-1].ID, "turns must be strictly ascending")
	}
	assert.Len(t, page.Turns, 7)
	assert.False(t, page.HasMore)
}

func testClearThenLoad(t *testing.T, d store.Driver) {
	ctx := context.Background()
	s := store.New(d)
	appendTurns(t, d, "s1", "u1", 4)

	require.NoError(t, s.ClearSession(ctx, "s1", "u1"))
	page, err := s.LoadInitialPage(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, page.Turns)
	assert.False(t, page.HasMore)
}
