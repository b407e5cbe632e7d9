package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycleAllowedPath(t *testing.T) {
	lc := NewLifecycle()
	require.NoError(t, lc.Advance(StateAuthenticating))
	lc.SetActor("u-1")
	require.NoError(t, lc.Advance(StateAuthorized))
	require.Equal(t, StateResponseSent, lc.Complete())
	require.True(t, lc.MarkRecorded())
	require.False(t, lc.MarkRecorded())
	require.Equal(t, "u-1", lc.Actor())
	require.Equal(t, StateAuditRecorded, lc.State())
}

func TestLifecycleDenied(t *testing.T) {
	lc := NewLifecycle()
	require.NoError(t, lc.Deny("permission_denied"))
	require.Equal(t, StateDenied, lc.State())
	require.Equal(t, StateDenied, lc.Complete())
	require.Equal(t, "permission_denied", lc.DenyReason())
	require.True(t, lc.MarkRecorded())
}

func TestLifecyclePublicRoute(t *testing.T) {
	lc := NewLifecycle()
	require.False(t, lc.MarkRecorded())
	require.Equal(t, StateResponseSent, lc.Complete())
}

func TestLifecycleRejectsSkippedStates(t *testing.T) {
	lc := NewLifecycle()
	err := lc.Advance(StateAuditRecorded)
	require.Error(t, err)
	require.Equal(t, StateReceived, lc.State())
	require.NoError(t, lc.Advance(StateReceived))
}

func TestLifecycleNilSafe(t *testing.T) {
	var lc *Lifecycle
	require.NoError(t, lc.Advance(StateHandling))
	require.NoError(t, lc.Deny("x"))
	lc.SetActor("u")
	require.Empty(t, lc.Actor())
	require.Empty(t, string(lc.Complete()))
	require.True(t, lc.MarkRecorded())
	require.Nil(t, LifecycleFromContext(context.Background()))
}

func TestTreatAsUnauthenticated(t *testing.T) {
	require.True(t, TreatAsUnauthenticated(fmt.Errorf("lookup: %w", ErrPrincipalUnavailable)))
	require.True(t, TreatAsUnauthenticated(ErrResolutionLoop))
	require.False(t, TreatAsUnauthenticated(ErrInvalidToken))
	require.False(t, TreatAsUnauthenticated(errors.New("boom")))
}
