package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorePutGetRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Put(ctx, "v1", "session.subject", "abc123")
	got, ok := s.Get(ctx, "v1", "session.subject")
	require.True(t, ok)
	require.Equal(t, "abc123", got)

	// Writes replace whole values.
	s.Put(ctx, "v1", "session.subject", "def456")
	got, _ = s.Get(ctx, "v1", "session.subject")
	require.Equal(t, "def456", got)

	// Scoped per visitor.
	_, ok = s.Get(ctx, "v2", "session.subject")
	require.False(t, ok)

	s.Remove(ctx, "v1", "session.subject")
	_, ok = s.Get(ctx, "v1", "session.subject")
	require.False(t, ok)
}

func TestStoreClearMatchingIsCaseInsensitiveSubstring(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Put(ctx, "v1", "Auth0.SPA.Cache.entry", "x")
	s.Put(ctx, "v1", "auth.txn.state", "y")
	s.Put(ctx, "v1", "plan.pending", "weekly")

	s.ClearMatching(ctx, "v1", "AUTH")

	_, ok := s.Get(ctx, "v1", "Auth0.SPA.Cache.entry")
	require.False(t, ok)
	_, ok = s.Get(ctx, "v1", "auth.txn.state")
	require.False(t, ok)

	got, ok := s.Get(ctx, "v1", "plan.pending")
	require.True(t, ok)
	require.Equal(t, "weekly", got)
}

func TestStoreClearAll(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Put(ctx, "v1", "session.subject", "abc")
	s.Put(ctx, "v1", "plan.pending", "daily")
	s.Put(ctx, "v2", "session.subject", "other")

	s.ClearAll(ctx, "v1")

	_, ok := s.Get(ctx, "v1", "session.subject")
	require.False(t, ok)
	_, ok = s.Get(ctx, "v1", "plan.pending")
	require.False(t, ok)

	got, ok := s.Get(ctx, "v2", "session.subject")
	require.True(t, ok)
	require.Equal(t, "other", got)
}

func TestStoreConsumePendingPlanOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SavePendingPlan(ctx, "v1", PlanWeekly)

	plan, ok := s.ConsumePendingPlan(ctx, "v1")
	require.True(t, ok)
	require.Equal(t, PlanWeekly, plan)

	_, ok = s.ConsumePendingPlan(ctx, "v1")
	require.False(t, ok)
}

func TestStoreEntitlementRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.False(t, s.Entitlement(ctx, "v1").Active)

	activated := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetEntitlement(ctx, "v1", Entitlement{Active: true, Plan: PlanMonthly, ActivatedAt: activated})

	ent := s.Entitlement(ctx, "v1")
	require.True(t, ent.Active)
	require.Equal(t, PlanMonthly, ent.Plan)
	require.Equal(t, activated, ent.ActivatedAt.UTC())

	// Replacement, not accumulation.
	s.SetEntitlement(ctx, "v1", Entitlement{Active: false, Plan: PlanMonthly})
	require.False(t, s.Entitlement(ctx, "v1").Active)
}

func TestStoreSessionKeyCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Put(ctx, "v1", "session.subject", "abc")
	s.Put(ctx, "v1", "auth.txn.state", "s")
	s.Put(ctx, "v1", "plan.pending", "daily")

	require.Equal(t, 2, s.SessionKeyCount(ctx, "v1"))
}

func TestDisabledStoreIsInert(t *testing.T) {
	s := OpenStore("/nonexistent-dir/never/gate.db", testLogger())
	require.False(t, s.Enabled())

	ctx := context.Background()
	s.Put(ctx, "v1", "session.subject", "abc")
	_, ok := s.Get(ctx, "v1", "session.subject")
	require.False(t, ok)

	_, ok = s.ConsumePendingPlan(ctx, "v1")
	require.False(t, ok)
	require.False(t, s.Entitlement(ctx, "v1").Active)
	require.Equal(t, 0, s.SessionKeyCount(ctx, "v1"))
	require.NoError(t, s.Close())
}
