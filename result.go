package hsm

import orderedmap "github.com/wk8/go-ordered-map/v2"

// History selects how a transition targeting a composite state
// resolves which of its descendants to actually enter: plain initial-
// child descent, or resuming the last active child (shallow) or last
// active leaf (deep) beneath it.
type History int

const (
	// HistoryNone performs ordinary initial-child descent.
	HistoryNone History = iota
	// HistoryShallow resumes the target's last active direct child.
	HistoryShallow
	// HistoryDeep resumes the target's last active leaf descendant.
	HistoryDeep
)

type resultKind int

const (
	resultGoTo resultKind = iota
	resultInternal
	resultSelfTransition
	resultStop
	resultUnhandled
)

// MessageResult is the outcome of a message handler: GoTo, Internal
// (stay in place), SelfTransition, Stop, or Unhandled.
type MessageResult struct {
	kind     resultKind
	target   StateKey
	action   func(ctx *TransitionContext) error
	payload  any
	reenter  bool
	history  History
	metadata *orderedmap.OrderedMap[string, any]
}

// GoToOption customizes a GoTo result.
type GoToOption func(*MessageResult)

// WithAction attaches a transition action, run after exit and before
// entry.
func WithAction(action func(ctx *TransitionContext) error) GoToOption {
	return func(r *MessageResult) { r.action = action }
}

// WithPayload attaches caller data retrievable from the
// TransitionContext during the transition.
func WithPayload(payload any) GoToOption {
	return func(r *MessageResult) { r.payload = payload }
}

// Reenter requests reenter-target semantics: exit and re-enter the
// target itself, rather than treating it as already active.
func Reenter() GoToOption {
	return func(r *MessageResult) { r.reenter = true }
}

// WithHistory selects shallow or deep history resolution for a
// transition whose target is a composite state.
func WithHistory(h History) GoToOption {
	return func(r *MessageResult) { r.history = h }
}

// WithMetadata seeds one metadata key/value pair, carried into the
// resulting Transition record. May be supplied multiple times.
func WithMetadata(key string, value any) GoToOption {
	return func(r *MessageResult) {
		if r.metadata == nil {
			r.metadata = orderedmap.New[string, any]()
		}
		r.metadata.Set(key, value)
	}
}

// GoTo produces a transition to target.
func GoTo(target StateKey, opts ...GoToOption) MessageResult {
	r := MessageResult{kind: resultGoTo, target: target}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Internal produces a result that leaves the current leaf unchanged
// but reports the message as handled.
func Internal() MessageResult {
	return MessageResult{kind: resultInternal}
}

// SelfTransitionResult exits and re-enters the handling node (not
// necessarily the current leaf) without changing the conceptual
// target.
func SelfTransitionResult(opts ...GoToOption) MessageResult {
	r := MessageResult{kind: resultSelfTransition}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// StopResult transitions to the reserved stopped finalLeaf.
func StopResult() MessageResult {
	return MessageResult{kind: resultStop}
}

// Unhandled reports that the handling node does not handle this
// message; dispatch continues bubbling to the parent.
func Unhandled() MessageResult {
	return MessageResult{kind: resultUnhandled}
}

// Transition is an immutable record of a completed transition.
type Transition struct {
	From           StateKey
	To             StateKey
	LCA            StateKey
	ExitPath       []StateKey
	EntryPath      []StateKey
	Metadata       *orderedmap.OrderedMap[string, any]
	IsToFinalState bool
	IsRedirect     bool
}

// Path returns ExitPath followed by EntryPath.
func (t Transition) Path() []StateKey {
	path := make([]StateKey, 0, len(t.ExitPath)+len(t.EntryPath))
	path = append(path, t.ExitPath...)
	path = append(path, t.EntryPath...)
	return path
}

// nodePath is the resolved, node-level form of a Transition in
// progress: the exit and entry node lists plus the bookkeeping the
// transition engine needs.
type nodePath struct {
	from, to      *TreeNode
	lca           *TreeNode
	exitNodes     []*TreeNode
	entryNodes    []*TreeNode
	reenterTarget bool
}

// computePath implements the exit/entry path algebra: exit up to the
// least common ancestor, then enter back down to the target.
func computePath(from, to *TreeNode, reenterTarget bool) (nodePath, error) {
	lca := from.lcaWith(to)

	if reenterTarget && lca == to {
		if to.parent == nil {
			return nodePath{}, ErrRedirect
		}
		exit := exitChainTo(from, lca)
		exit = append(exit, to)
		return nodePath{from: from, to: to, lca: lca.parent, exitNodes: exit, entryNodes: []*TreeNode{to}, reenterTarget: true}, nil
	}

	if reenterTarget && from == to {
		if to.parent == nil {
			return nodePath{}, ErrRedirect
		}
		return nodePath{from: from, to: to, lca: lca.parent, exitNodes: []*TreeNode{to}, entryNodes: []*TreeNode{to}, reenterTarget: true}, nil
	}

	exit := exitChainTo(from, lca)
	entry := entryChainFrom(to, lca)
	return nodePath{from: from, to: to, lca: lca, exitNodes: exit, entryNodes: entry}, nil
}

// exitChainTo returns [from, ..., child-of-lca], i.e. selfAndAncestors
// of from stopping short of lca.
func exitChainTo(from, lca *TreeNode) []*TreeNode {
	var out []*TreeNode
	for s := from; s != lca; s = s.parent {
		out = append(out, s)
	}
	return out
}

// entryChainFrom returns [child-of-lca, ..., to], the reverse of
// selfAndAncestors of to stopping short of lca.
func entryChainFrom(to, lca *TreeNode) []*TreeNode {
	var chain []*TreeNode
	for s := to; s != lca; s = s.parent {
		chain = append(chain, s)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func keysOf(nodes []*TreeNode) []StateKey {
	keys := make([]StateKey, len(nodes))
	for i, n := range nodes {
		keys[i] = n.key
	}
	return keys
}
