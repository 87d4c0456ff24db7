package hsm

import (
	"context"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// transitionRequest bundles everything execute needs to run one
// transition end to end.
type transitionRequest struct {
	from, to      *TreeNode
	reenterTarget bool
	history       History
	handlingState *TreeNode // nil for engine-driven transitions (start, stop)
	action        func(ctx *TransitionContext) error
	payload       any
	metadata      *orderedmap.OrderedMap[string, any]
	dataOverrides map[*TreeNode]any
	// selfTransitionOf is set instead of {from,to,reenterTarget} for a
	// SelfTransition result: the path is derived from the current leaf
	// up through and including this node, then straight back down the
	// same chain, bypassing ordinary initial-child descent entirely.
	selfTransitionOf *TreeNode
}

// execute runs a complete transition, including any redirects, and
// returns the resulting immutable Transition record.
func (m *Machine) execute(goCtx context.Context, req transitionRequest) (*Transition, error) {
	var path nodePath
	var err error

	switch {
	case req.selfTransitionOf != nil:
		if req.selfTransitionOf.parent == nil {
			return nil, fmt.Errorf("hsm: self-transition of root is invalid")
		}
		path = selfTransitionPath(m.currentLeaf, req.selfTransitionOf)
	default:
		path, err = computePath(req.from, req.to, req.reenterTarget)
		if err != nil {
			return nil, err
		}
	}

	tctx := &TransitionContext{
		ctx:           goCtx,
		machine:       m,
		handlingState: req.handlingState,
		payload:       req.payload,
		metadata:      req.metadata,
	}

	for _, n := range path.exitNodes {
		tctx.ownerNode = n
		if err := n.filters.runExit(tctx, n.onExit); err != nil {
			return nil, &HandlerError{State: n.key, Phase: "onExit", Err: unwrapPanic(err)}
		}
		m.scheduler.cancelAllFor(n)
		if box, ok := m.dataValues[n]; ok {
			box.close()
			delete(m.dataValues, n)
		}
		tctx.exitedKeys = append(tctx.exitedKeys, n.key)
	}

	if req.action != nil {
		tctx.ownerNode = nil
		if err := runActionSafe(req.action, tctx); err != nil {
			return nil, &HandlerError{Phase: "action", Err: unwrapPanic(err)}
		}
	}

	finalLeaf, isRedirect, err := m.runEntryAndDescent(tctx, path.entryNodes, path.to, req.history, req.dataOverrides)
	if err != nil {
		return nil, err
	}

	m.currentLeaf = finalLeaf
	m.recordHistory(finalLeaf)

	return &Transition{
		From:           path.from.key,
		To:             finalLeaf.key,
		LCA:            path.lca.key,
		ExitPath:       keysOf(path.exitNodes),
		EntryPath:      tctx.enteredKeys,
		Metadata:       tctx.metadata,
		IsToFinalState: finalLeaf.kind == KindFinalLeaf,
		IsRedirect:     isRedirect,
	}, nil
}

// selfTransitionPath builds the exit/entry chain for a SelfTransition
// of node: exit from the current leaf up through and including node,
// then re-enter straight back down the identical chain, preserving the
// original leaf rather than re-deriving it via initial-child.
func selfTransitionPath(currentLeaf, node *TreeNode) nodePath {
	var exit []*TreeNode
	for s := currentLeaf; ; s = s.parent {
		exit = append(exit, s)
		if s == node {
			break
		}
	}
	entry := make([]*TreeNode, len(exit))
	for i, n := range exit {
		entry[len(exit)-1-i] = n
	}
	return nodePath{from: currentLeaf, to: currentLeaf, lca: node.parent, exitNodes: exit, entryNodes: entry, reenterTarget: true}
}

// runEntryAndDescent enters the explicit chain, honoring redirects,
// then performs initial-child/history descent to a leaf. It returns
// the final leaf and whether any redirect occurred.
func (m *Machine) runEntryAndDescent(tctx *TransitionContext, chain []*TreeNode, originalTo *TreeNode, history History, overrides map[*TreeNode]any) (*TreeNode, bool, error) {
	redirectBudget := m.config.redirectLimit
	isRedirect := false
	pendingHistory := history
	lastEntered := (*TreeNode)(nil)
	first := true

	for {
		for i, n := range chain {
			var override any
			hasOverride := false
			if first && overrides != nil {
				override, hasOverride = overrides[n]
			}
			redirectReq, err := m.enterOneNode(tctx, n, override, hasOverride)
			lastEntered = n
			if err != nil {
				return nil, isRedirect, err
			}
			if redirectReq != nil {
				isRedirect = true
				redirectBudget--
				if redirectBudget < 0 {
					return nil, isRedirect, ErrRedirect
				}
				target, ok := m.nodeByKey[redirectReq.target]
				if !ok {
					return nil, isRedirect, ErrStateNotFound
				}
				if target == lastEntered || target.isDescendantOf(lastEntered) {
					return nil, isRedirect, ErrRedirect
				}
				var mr MessageResult
				for _, opt := range redirectReq.opts {
					opt(&mr)
				}
				if mr.payload != nil {
					tctx.payload = mr.payload
				}
				if mr.metadata != nil {
					mergeMetadata(tctx, mr.metadata)
				}
				pendingHistory = mr.history
				newPath, err := computePath(lastEntered, target, false)
				if err != nil {
					return nil, isRedirect, err
				}
				chain = newPath.entryNodes
				originalTo = target
				first = false
				_ = i
				goto nextLeg
			}
		}
		first = false

		if lastEntered.IsLeaf() {
			return lastEntered, isRedirect, nil
		}

		chain = m.nextDescentChain(tctx, lastEntered, originalTo, &pendingHistory)
		continue

	nextLeg:
		continue
	}
}

// nextDescentChain computes the next set of nodes to enter below a
// just-entered composite node: history resolution if node is the
// original redirect/transition target and a history was requested,
// otherwise ordinary initial-child selection.
func (m *Machine) nextDescentChain(tctx *TransitionContext, node, originalTo *TreeNode, pendingHistory *History) []*TreeNode {
	h := *pendingHistory
	*pendingHistory = HistoryNone
	if h != HistoryNone && node == originalTo {
		switch h {
		case HistoryShallow:
			if child, ok := m.lastActiveChild[node]; ok {
				return []*TreeNode{child}
			}
		case HistoryDeep:
			if leaf, ok := m.lastActiveLeaf[node]; ok {
				return chainBetweenExclusive(node, leaf)
			}
		}
	}
	key := node.initialChild(tctx)
	child := findChild(node, key)
	if child == nil {
		panic("hsm: initial-child selector for " + node.key.Name() + " returned a key that is not a direct child")
	}
	return []*TreeNode{child}
}

// chainBetweenExclusive returns the nodes strictly below top down to
// and including leaf: [child-of-top, ..., leaf].
func chainBetweenExclusive(top, leaf *TreeNode) []*TreeNode {
	var chain []*TreeNode
	for s := leaf; s != top; s = s.parent {
		chain = append(chain, s)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func findChild(parent *TreeNode, key StateKey) *TreeNode {
	for _, c := range parent.children {
		if c.key.Equal(key) {
			return c
		}
	}
	return nil
}

// enterOneNode instantiates n's DataValue (if any) and runs its
// onEnter handler, returning a pending redirect request if the handler
// invoked ctx.RedirectTo. If a redirect preempts a still-running
// initialData producer, that producer's error is swallowed - the
// redirect wins the race.
func (m *Machine) enterOneNode(tctx *TransitionContext, n *TreeNode, override any, hasOverride bool) (*redirectRequest, error) {
	tctx.ownerNode = n
	tctx.redirect = nil

	if n.data != nil {
		box := newDataValueBox(n.data.initial)
		m.dataValues[n] = box
		if hasOverride {
			box.seed(override)
		} else if err := box.ensure(tctx); err != nil {
			if tctx.redirect != nil {
				// redirect requested before/during init: swallow the
				// init error, the redirect wins the race.
			} else {
				return nil, &HandlerError{State: n.key, Phase: "initialData", Err: unwrapPanic(err)}
			}
		}
	}

	if err := n.filters.runEnter(tctx, n.onEnter); err != nil {
		return nil, &HandlerError{State: n.key, Phase: "onEnter", Err: unwrapPanic(err)}
	}
	tctx.enteredKeys = append(tctx.enteredKeys, n.key)

	if tctx.redirect != nil {
		req := tctx.redirect
		tctx.redirect = nil
		return req, nil
	}
	return nil, nil
}

// recordHistory updates the shallow/deep history maps for every
// ancestor of leaf, so a later History-qualified transition into one
// of them can resume here.
func (m *Machine) recordHistory(leaf *TreeNode) {
	child := leaf
	for s := leaf.parent; s != nil; s = s.parent {
		m.lastActiveChild[s] = child
		m.lastActiveLeaf[s] = leaf
		child = s
	}
}

func mergeMetadata(tctx *TransitionContext, src *orderedmap.OrderedMap[string, any]) {
	dst := tctx.Metadata()
	for pair := src.Oldest(); pair != nil; pair = pair.Next() {
		dst.Set(pair.Key, pair.Value)
	}
}

// unwrapPanic turns a recovered panic value into an error, leaving a
// genuine error untouched.
func unwrapPanic(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

// runActionSafe recovers a panic from a transition action into an
// error, matching the recovery filterChain.runEnter/runExit perform
// for entry/exit handlers.
func runActionSafe(action func(ctx *TransitionContext) error, ctx *TransitionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = unwrapPanic(r)
		}
	}()
	return action(ctx)
}
