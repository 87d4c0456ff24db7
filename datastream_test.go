package hsm_test

import (
	"context"
	"testing"
	"time"

	"github.com/dragomit/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var streamCounterKey = hsm.NewDataKey[int]("Active")

// buildDataStreamTree builds R { Active, Idle } where Active carries a
// counter that bumps on "tick" and the machine bounces between Active
// and Idle, exiting and re-entering Active's DataValue box each time.
func buildDataStreamTree() *hsm.TreeNode {
	// Active's data is looked up by the node's own key, so the node is
	// keyed by the data-typed key itself.
	keyActive := streamCounterKey
	keyIdle := hsm.NewKey("Idle")

	tb := hsm.NewTree(hsm.NewKey("R"))
	root := tb.Root()
	root.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return keyActive })

	active := root.Child(keyActive, hsm.KindLeaf)
	hsm.DataNode(active, func(ctx *hsm.TransitionContext) (int, error) { return 0, nil }, nil)
	active.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		switch ctx.Message() {
		case "tick":
			count, err := hsm.MessageData[int](ctx, streamCounterKey)
			if err != nil {
				return hsm.Unhandled()
			}
			if _, err := count.Update(nil, func(c int) int { return c + 1 }); err != nil {
				return hsm.Unhandled()
			}
			return hsm.Internal()
		case "toIdle":
			return hsm.GoTo(keyIdle)
		}
		return hsm.Unhandled()
	})
	active.Build()

	idle := root.Child(keyIdle, hsm.KindLeaf)
	idle.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		if ctx.Message() == "toActive" {
			return hsm.GoTo(keyActive)
		}
		return hsm.Unhandled()
	})
	idle.Build()

	return tb.Build()
}

// TestDataStreamSurvivesReactivation verifies that DataStream[D]'s
// subscription keeps delivering values across an exit/re-enter cycle
// of the owning state, re-subscribing to the freshly created box each
// time rather than going silent once the first box closes.
func TestDataStreamSurvivesReactivation(t *testing.T) {
	m := hsm.NewMachine(buildDataStreamTree())
	_, err := m.Start(context.Background()).Wait()
	require.NoError(t, err)

	ch, cancel := hsm.DataStream(m, streamCounterKey)
	defer cancel()

	// A new subscription first receives the box's current value.
	select {
	case v := <-ch:
		assert.Equal(t, 0, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the current value on subscribe")
	}

	_, err = m.Post("tick").Wait()
	require.NoError(t, err)
	select {
	case v := <-ch:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first activation's value")
	}

	_, err = m.Post("toIdle").Wait()
	require.NoError(t, err)
	_, err = m.Post("toActive").Wait()
	require.NoError(t, err)

	select {
	case v := <-ch:
		assert.Equal(t, 0, v, "the rebound stream first delivers the fresh box's current value")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the fresh box's current value after rebind")
	}

	_, err = m.Post("tick").Wait()
	require.NoError(t, err)
	select {
	case v := <-ch:
		assert.Equal(t, 1, v, "re-entering Active creates a fresh box starting back at 0, bumped once")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second activation's value after rebind")
	}
}
