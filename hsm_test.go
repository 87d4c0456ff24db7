package hsm_test

import (
	"context"
	"testing"

	"github.com/dragomit/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioHooks lets each test register handlers by node name before
// the tree is built, since a built *hsm.TreeNode is immutable.
type scenarioHooks struct {
	onEnter   map[string]hsm.EntryFunc
	onExit    map[string]hsm.ExitFunc
	onMessage map[string]hsm.MessageFunc
}

// buildScenarioTree builds a small tree shared by the scenario tests
// below: R { A { A.a { A.a.1, A.a.2 } }, B { B.1, B.2 } }, with
// R.initial=A, A.initial=A.a, A.a.initial=A.a.2, B.initial=B.1. The
// reserved stopped finalLeaf is added separately by NewMachine.
func buildScenarioTree(h scenarioHooks) *hsm.TreeNode {
	get := func(m map[string]hsm.EntryFunc, name string) hsm.EntryFunc {
		if m == nil {
			return nil
		}
		return m[name]
	}
	getExit := func(m map[string]hsm.ExitFunc, name string) hsm.ExitFunc {
		if m == nil {
			return nil
		}
		return m[name]
	}
	getMsg := func(m map[string]hsm.MessageFunc, name string) hsm.MessageFunc {
		if m == nil {
			return nil
		}
		return m[name]
	}

	tb := hsm.NewTree(hsm.NewKey("R"))
	root := tb.Root()
	root.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return hsm.NewKey("A") })

	a := root.Child(hsm.NewKey("A"), hsm.KindInterior)
	a.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return hsm.NewKey("A.a") })
	if f := get(h.onEnter, "A"); f != nil {
		a.OnEnter("A.onEnter", f)
	}
	if f := getExit(h.onExit, "A"); f != nil {
		a.OnExit("A.onExit", f)
	}
	if f := getMsg(h.onMessage, "A"); f != nil {
		a.OnMessage(f)
	}

	aa := a.Child(hsm.NewKey("A.a"), hsm.KindInterior)
	aa.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return hsm.NewKey("A.a.2") })

	aa1 := aa.Child(hsm.NewKey("A.a.1"), hsm.KindLeaf)
	if f := get(h.onEnter, "A.a.1"); f != nil {
		aa1.OnEnter("A.a.1.onEnter", f)
	}
	if f := getExit(h.onExit, "A.a.1"); f != nil {
		aa1.OnExit("A.a.1.onExit", f)
	}
	if f := getMsg(h.onMessage, "A.a.1"); f != nil {
		aa1.OnMessage(f)
	}
	aa1.Build()

	aa.Child(hsm.NewKey("A.a.2"), hsm.KindLeaf).Build()
	aa.Build()
	a.Build()

	b := root.Child(hsm.NewKey("B"), hsm.KindInterior)
	b.InitialChild(func(ctx *hsm.TransitionContext) hsm.StateKey { return hsm.NewKey("B.1") })

	b1 := b.Child(hsm.NewKey("B.1"), hsm.KindLeaf)
	if f := get(h.onEnter, "B.1"); f != nil {
		b1.OnEnter("B.1.onEnter", f)
	}
	if f := getExit(h.onExit, "B.1"); f != nil {
		b1.OnExit("B.1.onExit", f)
	}
	b1.Build()

	b.Child(hsm.NewKey("B.2"), hsm.KindLeaf).Build()
	b.Build()

	return tb.Build()
}

func keyNames(keys []hsm.StateKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Name()
	}
	return out
}

// TestScenarioS1StartDefault verifies that Start() descends through
// initial-child selection all the way to A.a.2.
func TestScenarioS1StartDefault(t *testing.T) {
	root := buildScenarioTree(scenarioHooks{})
	m := hsm.NewMachine(root)

	trCh, cancel := m.Transitions()
	defer cancel()

	cs, err := m.Start(context.Background()).Wait()
	require.NoError(t, err)
	assert.Equal(t, "A.a.2", cs.Key().Name())

	tr := <-trCh
	assert.Equal(t, "R", tr.From.Name())
	assert.Equal(t, "A.a.2", tr.To.Name())
	assert.Equal(t, []string{"R", "A", "A.a", "A.a.2"}, keyNames(tr.EntryPath))
}

// TestScenarioS2GotoParentSubtree verifies that, from A.a.1, GoTo(B)
// exits up to R and enters down to B.1 via B's initial child.
func TestScenarioS2GotoParentSubtree(t *testing.T) {
	keyB := hsm.NewKey("B")
	handled := false
	root := buildScenarioTree(scenarioHooks{
		onMessage: map[string]hsm.MessageFunc{
			"A.a.1": func(ctx *hsm.MessageContext) hsm.MessageResult {
				handled = true
				return hsm.GoTo(keyB)
			},
		},
	})
	m := hsm.NewMachine(root)
	_, err := m.Start(context.Background(), hsm.StartAt(root.Find(hsm.NewKey("A.a.1")))).Wait()
	require.NoError(t, err)

	pm, err := m.Post("go").Wait()
	require.NoError(t, err)
	assert.True(t, handled)
	require.Equal(t, hsm.Handled, pm.Kind)
	require.NotNil(t, pm.Transition)
	assert.Equal(t, []string{"A.a.1", "A.a", "A"}, keyNames(pm.Transition.ExitPath))
	assert.Equal(t, []string{"B", "B.1"}, keyNames(pm.Transition.EntryPath))
	assert.Equal(t, "R", pm.Transition.LCA.Name())
	assert.Equal(t, "B.1", pm.Transition.To.Name())
}

// TestScenarioS3AncestorBubble verifies that a message bubbles past
// A.a.1, which has no onMessage handler of its own, up to A, which
// handles it.
func TestScenarioS3AncestorBubble(t *testing.T) {
	keyB1 := hsm.NewKey("B.1")
	root := buildScenarioTree(scenarioHooks{
		onMessage: map[string]hsm.MessageFunc{
			"A": func(ctx *hsm.MessageContext) hsm.MessageResult {
				return hsm.GoTo(keyB1)
			},
		},
	})
	m := hsm.NewMachine(root)
	_, err := m.Start(context.Background(), hsm.StartAt(root.Find(hsm.NewKey("A.a.1")))).Wait()
	require.NoError(t, err)

	pm, err := m.Post("go").Wait()
	require.NoError(t, err)
	require.Equal(t, hsm.Handled, pm.Kind)
	assert.Equal(t, []string{"A.a.1", "A.a", "A"}, keyNames(pm.NotifiedStates))
	assert.Equal(t, "A", pm.HandlingState.Name())
}

// TestScenarioS4SelfTransition verifies that, when A returns
// SelfTransitionResult while A.a.1 is the current leaf, the original
// leaf is re-entered directly rather than re-picked via initial-child.
func TestScenarioS4SelfTransition(t *testing.T) {
	root := buildScenarioTree(scenarioHooks{
		onMessage: map[string]hsm.MessageFunc{
			"A": func(ctx *hsm.MessageContext) hsm.MessageResult {
				return hsm.SelfTransitionResult()
			},
		},
	})
	m := hsm.NewMachine(root)
	_, err := m.Start(context.Background(), hsm.StartAt(root.Find(hsm.NewKey("A.a.1")))).Wait()
	require.NoError(t, err)

	pm, err := m.Post("go").Wait()
	require.NoError(t, err)
	require.NotNil(t, pm.Transition)
	assert.Equal(t, []string{"A.a.1", "A.a", "A"}, keyNames(pm.Transition.ExitPath))
	assert.Equal(t, []string{"A", "A.a", "A.a.1"}, keyNames(pm.Transition.EntryPath))
	assert.Equal(t, "A.a.1", pm.Transition.To.Name())
}

// TestScenarioS5ReenterTarget verifies that GoTo(B.2, Reenter())
// issued from B.2 itself exits and re-enters only B.2.
func TestScenarioS5ReenterTarget(t *testing.T) {
	keyB2 := hsm.NewKey("B.2")
	root := buildScenarioTree(scenarioHooks{
		onMessage: map[string]hsm.MessageFunc{
			"B.2": func(ctx *hsm.MessageContext) hsm.MessageResult {
				return hsm.GoTo(keyB2, hsm.Reenter())
			},
		},
	})
	m := hsm.NewMachine(root)
	_, err := m.Start(context.Background(), hsm.StartAt(root.Find(keyB2))).Wait()
	require.NoError(t, err)

	pm, err := m.Post("go").Wait()
	require.NoError(t, err)
	require.NotNil(t, pm.Transition)
	assert.Equal(t, []string{"B.2"}, keyNames(pm.Transition.ExitPath))
	assert.Equal(t, []string{"B.2"}, keyNames(pm.Transition.EntryPath))
}

// TestScenarioS6Stop verifies that Stop() transitions to the reserved
// stopped finalLeaf regardless of current leaf, and that further posts
// come back Unhandled.
func TestScenarioS6Stop(t *testing.T) {
	root := buildScenarioTree(scenarioHooks{})
	m := hsm.NewMachine(root)
	_, err := m.Start(context.Background()).Wait()
	require.NoError(t, err)

	pm, err := m.Stop().Wait()
	require.NoError(t, err)
	assert.Equal(t, hsm.Handled, pm.Kind)

	pm2, err := m.Post("anything").Wait()
	require.NoError(t, err)
	assert.Equal(t, hsm.UnhandledKind, pm2.Kind)
}

// TestScenarioS7Redirect verifies that when B.1's onEnter redirects to
// A.a.2, B.1's onExit never runs since it was never fully entered.
func TestScenarioS7Redirect(t *testing.T) {
	exitRan := false
	keyAa2 := hsm.NewKey("A.a.2")
	root := buildScenarioTree(scenarioHooks{
		onEnter: map[string]hsm.EntryFunc{
			"B.1": func(ctx *hsm.TransitionContext) error {
				ctx.RedirectTo(keyAa2)
				return nil
			},
		},
		onExit: map[string]hsm.ExitFunc{
			"B.1": func(ctx *hsm.TransitionContext) error {
				exitRan = true
				return nil
			},
		},
	})
	m := hsm.NewMachine(root)
	cs, err := m.Start(context.Background(), hsm.StartAt(root.Find(hsm.NewKey("B.1")))).Wait()
	require.NoError(t, err)
	assert.False(t, exitRan)
	assert.Equal(t, "A.a.2", cs.Key().Name())
}
