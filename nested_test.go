package hsm_test

import (
	"context"
	"testing"
	"time"

	"github.com/dragomit/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChildTree builds a tiny two-leaf child tree: Running -> Done
// (KindFinalLeaf) on message "finish".
func buildChildTree() *hsm.TreeNode {
	keyRunning := hsm.NewKey("Running")
	keyDone := hsm.NewKey("Done")

	tb := hsm.NewTree(hsm.NewKey("ChildRoot"))
	root := tb.Root()
	root.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return keyRunning })

	running := root.Child(keyRunning, hsm.KindLeaf)
	running.OnMessage(func(ctx *hsm.MessageContext) hsm.MessageResult {
		if ctx.Message() == "finish" {
			return hsm.GoTo(keyDone)
		}
		return hsm.Unhandled()
	})
	running.Build()

	root.Child(keyDone, hsm.KindFinalLeaf).Build()

	return tb.Build()
}

// workingStateDataKey is both the Working node's own key and the
// DataStateKey used to look up its MachineTreeStateData: a
// nested-machine node's data binding lives on the node itself, so the
// two identities must be the same key, not merely the same name
// (a plain key and a data-typed key never compare equal even when
// names match).
var workingStateDataKey = hsm.NewDataKey[hsm.MachineTreeStateData]("Working")

// buildParentTree wires a Working state as a nested-machine state
// hosting buildChildTree, transitioning to Finished once the child
// reaches its done leaf.
func buildParentTree() *hsm.TreeNode {
	keyFinished := hsm.NewKey("Finished")

	tb := hsm.NewTree(hsm.NewKey("ParentRoot"))
	root := tb.Root()
	root.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return workingStateDataKey })

	working := root.Child(workingStateDataKey, hsm.KindLeaf)
	hsm.NestedMachine(working, hsm.NestedMachineConfig{
		NewChild: func(ctx *hsm.TransitionContext) *hsm.TreeNode { return buildChildTree() },
		OnDone: func(ctx *hsm.MessageContext, tr *hsm.Transition) hsm.MessageResult {
			return hsm.GoTo(keyFinished)
		},
		ForwardMessages: true,
	})
	working.Build()

	root.Child(keyFinished, hsm.KindLeaf).Build()

	return tb.Build()
}

// TestNestedMachineTracksChildStateAndCompletes verifies that the
// parent's MachineTreeStateData binding reflects the child's current
// leaf as it moves, and that the parent follows the child into
// Finished once the child reaches its final leaf.
func TestNestedMachineTracksChildStateAndCompletes(t *testing.T) {
	m := hsm.NewMachine(buildParentTree())
	cs, err := m.Start(context.Background()).Wait()
	require.NoError(t, err)
	assert.Equal(t, "Working", cs.Key().Name())

	dv, err := hsm.DataValueOf(m, workingStateDataKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := dv.Get(nil)
		return err == nil && v.Current.Key().Name() == "Running"
	}, time.Second, time.Millisecond, "child state should surface as Running once the nested child starts")

	trCh, cancel := m.Transitions()
	defer cancel()

	_, err = m.Post("finish").Wait()
	require.NoError(t, err)

	select {
	case tr := <-trCh:
		assert.Equal(t, "Finished", tr.To.Name())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for parent to follow child into Finished")
	}
}
