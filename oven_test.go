package hsm_test

import (
	"context"
	"testing"

	"github.com/dragomit/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOvenDoorHistoryAndBreak builds a small oven-style tree - Off, an
// On composite with Baking/Toasting children, a Paused leaf reached
// while the door is open, and a Broken leaf reached once the door has
// been opened too many times while heating - to exercise shallow
// history resumption together with a root-level data state counting
// door opens across activation cycles.
func TestOvenDoorHistoryAndBreak(t *testing.T) {
	const breakAfter = 3
	openCount := hsm.NewDataKey[int]("Oven.openCount")

	tb := hsm.NewTree(openCount)
	root := tb.Root()
	root.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return hsm.NewKey("Off") })
	hsm.DataNode(root, func(ctx *hsm.TransitionContext) (int, error) { return 0, nil }, nil)

	keyBaking := hsm.NewKey("Baking")
	keyToasting := hsm.NewKey("Toasting")
	keyPaused := hsm.NewKey("Paused")
	keyBroken := hsm.NewKey("Broken")
	keyOn := hsm.NewKey("On")

	off := root.Child(hsm.NewKey("Off"), hsm.KindLeaf)
	off.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		if ctx.Message() == "start" {
			return hsm.GoTo(keyBaking)
		}
		return hsm.Unhandled()
	})
	off.Build()

	on := root.Child(keyOn, hsm.KindInterior)
	on.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return keyToasting })
	on.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		if ctx.Message() != "door_open" {
			return hsm.Unhandled()
		}
		count, err := hsm.MessageData[int](ctx, openCount)
		if err != nil {
			return hsm.Unhandled()
		}
		n, err := count.Update(nil, func(c int) int { return c + 1 })
		if err != nil {
			return hsm.Unhandled()
		}
		if n >= breakAfter {
			return hsm.GoTo(keyBroken)
		}
		return hsm.GoTo(keyPaused)
	})

	baking := on.Child(keyBaking, hsm.KindLeaf)
	baking.Build()
	toasting := on.Child(keyToasting, hsm.KindLeaf)
	toasting.Build()
	on.Build()

	paused := root.Child(keyPaused, hsm.KindLeaf)
	paused.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		if ctx.Message() == "door_close" {
			return hsm.GoTo(keyOn, hsm.WithHistory(hsm.HistoryShallow))
		}
		return hsm.Unhandled()
	})
	paused.Build()

	root.Child(keyBroken, hsm.KindLeaf).Build()

	m := hsm.NewMachine(tb.Build())
	_, err := m.Start(context.Background()).Wait()
	require.NoError(t, err)

	startPm, err := m.Post("start").Wait()
	require.NoError(t, err)
	assert.Equal(t, "Baking", startPm.Transition.To.Name())

	for i := 0; i < breakAfter-1; i++ {
		pm, err := m.Post("door_open").Wait()
		require.NoError(t, err)
		assert.Equal(t, "Paused", pm.Transition.To.Name())

		pm, err = m.Post("door_close").Wait()
		require.NoError(t, err)
		assert.Equal(t, "Baking", pm.Transition.To.Name(), "shallow history must resume Baking, not re-pick the initial child")
	}

	pm, err := m.Post("door_open").Wait()
	require.NoError(t, err)
	require.NotNil(t, pm.Transition)
	assert.Equal(t, "Broken", pm.Transition.To.Name())
}
