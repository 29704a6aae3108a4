package approval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

func TestRequestFiresNotifierAndStoresPending(t *testing.T) {
	var notified model.ApprovalRequest
	g := New(func(req model.ApprovalRequest) { notified = req })

	project := ids.NewProjectId()
	session := ids.NewSessionId()
	trace := ids.NewTraceId()

	id := g.Request(project, session, trace, "calculator", []byte(`{"a":1}`))

	require.NotEmpty(t, id)
	require.Equal(t, id, notified.ID)
	require.Equal(t, model.ApprovalPending, notified.Status)

	pending := g.ListPending(project)
	require.Len(t, pending, 1)
	require.Equal(t, "calculator", pending[0].ToolID)
}

func TestResolveApproveMakesPreApprovedTrue(t *testing.T) {
	g := New(nil)
	project := ids.NewProjectId()
	trace := ids.NewTraceId()

	id := g.Request(project, ids.NewSessionId(), trace, "calculator", nil)
	require.False(t, g.IsPreApproved(string(trace), "calculator"))

	err := g.Resolve(id, DecisionApprove, "alice")
	require.NoError(t, err)
	require.True(t, g.IsPreApproved(string(trace), "calculator"))
	require.Empty(t, g.ListPending(project))
}

func TestResolveRejectDoesNotPreApprove(t *testing.T) {
	g := New(nil)
	trace := ids.NewTraceId()
	id := g.Request(ids.NewProjectId(), ids.NewSessionId(), trace, "calculator", nil)

	require.NoError(t, g.Resolve(id, DecisionReject, "alice"))
	require.False(t, g.IsPreApproved(string(trace), "calculator"))
}

// TestSecondResolveIsNoOp covers spec §4.11: resolving an
// already-resolved request is a no-op, not an error, and does not
// overwrite who resolved it.
func TestSecondResolveIsNoOp(t *testing.T) {
	g := New(nil)
	id := g.Request(ids.NewProjectId(), ids.NewSessionId(), ids.NewTraceId(), "calculator", nil)

	require.NoError(t, g.Resolve(id, DecisionApprove, "alice"))
	require.NoError(t, g.Resolve(id, DecisionReject, "bob"))

	g.mu.Lock()
	req := g.requests[id]
	g.mu.Unlock()
	require.Equal(t, model.ApprovalApproved, req.Status)
	require.Equal(t, "alice", req.ResolvedBy)
}

func TestResolveUnknownIDReturnsNotFound(t *testing.T) {
	g := New(nil)
	err := g.Resolve(ids.NewApprovalId(), DecisionApprove, "alice")
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeNotFound))
}

func TestExpireMarksPendingExpiredAndLeavesListPending(t *testing.T) {
	g := New(nil)
	project := ids.NewProjectId()
	id := g.Request(project, ids.NewSessionId(), ids.NewTraceId(), "calculator", nil)

	require.NoError(t, g.Expire(id))
	require.Empty(t, g.ListPending(project))

	require.NoError(t, g.Expire(id))
}

func TestListPendingIsScopedToProject(t *testing.T) {
	g := New(nil)
	projectA := ids.NewProjectId()
	projectB := ids.NewProjectId()

	g.Request(projectA, ids.NewSessionId(), ids.NewTraceId(), "calculator", nil)
	g.Request(projectB, ids.NewSessionId(), ids.NewTraceId(), "calculator", nil)

	require.Len(t, g.ListPending(projectA), 1)
	require.Len(t, g.ListPending(projectB), 1)
}
