package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

func TestSendDeliversToSubscribedAgent(t *testing.T) {
	bus := New()
	agentB := ids.NewAgentId()

	var received model.AgentMessage
	var wg sync.WaitGroup
	wg.Add(1)
	unsub := bus.Subscribe(agentB, func(ctx context.Context, msg model.AgentMessage) {
		received = msg
		wg.Done()
	})
	defer unsub()

	bus.Send(context.Background(), model.AgentMessage{ID: "m1", ToAgentID: agentB, Content: "hello"})
	wg.Wait()

	require.Equal(t, "hello", received.Content)
}

// TestLateSubscriberMissesEarlierSend covers the ordering guarantee: a
// send is visible only to subscribers registered at the moment of the
// send.
func TestLateSubscriberMissesEarlierSend(t *testing.T) {
	bus := New()
	agentB := ids.NewAgentId()

	bus.Send(context.Background(), model.AgentMessage{ID: "m1", ToAgentID: agentB, Content: "before"})

	var got []model.AgentMessage
	bus.Subscribe(agentB, func(ctx context.Context, msg model.AgentMessage) {
		got = append(got, msg)
	})

	bus.Send(context.Background(), model.AgentMessage{ID: "m2", ToAgentID: agentB, Content: "after"})

	require.Len(t, got, 1)
	require.Equal(t, "after", got[0].Content)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	agentB := ids.NewAgentId()

	calls := 0
	unsub := bus.Subscribe(agentB, func(ctx context.Context, msg model.AgentMessage) {
		calls++
	})
	unsub()

	bus.Send(context.Background(), model.AgentMessage{ID: "m1", ToAgentID: agentB})
	require.Equal(t, 0, calls)
}

func TestSendAndWaitReturnsReply(t *testing.T) {
	bus := New()
	agentA := ids.NewAgentId()
	agentB := ids.NewAgentId()

	bus.Subscribe(agentB, func(ctx context.Context, msg model.AgentMessage) {
		bus.Send(ctx, model.AgentMessage{
			ID: "reply-1", FromAgentID: agentB, ToAgentID: agentA,
			Content: "ack", ReplyToID: msg.ID,
		})
	})

	reply, err := bus.SendAndWait(context.Background(), model.AgentMessage{
		ID: "req-1", FromAgentID: agentA, ToAgentID: agentB, Content: "ping",
	}, 1000)

	require.NoError(t, err)
	require.Equal(t, "ack", reply.Content)
}

// TestSendAndWaitTimesOutWithoutReply covers testable property 10: no
// reply within the deadline fails with AGENT_TIMEOUT.
func TestSendAndWaitTimesOutWithoutReply(t *testing.T) {
	bus := New()
	agentB := ids.NewAgentId()

	start := time.Now()
	_, err := bus.SendAndWait(context.Background(), model.AgentMessage{
		ID: "req-1", ToAgentID: agentB, Content: "ping",
	}, 50)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeAgentTimeout))
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}
