package hsm

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NodeKind classifies a TreeNode.
type NodeKind int

const (
	// KindRoot marks the single root of the tree.
	KindRoot NodeKind = iota
	// KindInterior marks a composite, non-root node with children.
	KindInterior
	// KindLeaf marks a node with no children that accepts messages.
	KindLeaf
	// KindFinalLeaf marks a terminal leaf that accepts no messages and
	// is never exited once entered.
	KindFinalLeaf
)

func (k NodeKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindInterior:
		return "interior"
	case KindLeaf:
		return "leaf"
	case KindFinalLeaf:
		return "finalLeaf"
	default:
		return "unknown"
	}
}

// InitialChildFunc selects which child a composite node descends into
// when no more specific target is given. It must return a key present
// among the node's direct children (I4).
type InitialChildFunc func(ctx *TransitionContext) StateKey

// EntryFunc, ExitFunc and MessageFunc are the handler shapes a node
// may register. All three may be nil.
type (
	EntryFunc   func(ctx *TransitionContext) error
	ExitFunc    func(ctx *TransitionContext) error
	MessageFunc func(ctx *MessageContext) MessageResult
)

// dataBinding is the type-erased half of a data state's declaration;
// the typed half lives on DataStateKey[D] and its generic accessors in
// datavalue.go. Keeping this erased lets TreeNode stay non-generic, so
// a tree can mix states of unrelated D ("data states" are a property
// of individual nodes, not of the whole tree).
type dataBinding struct {
	// initial produces the lazily-computed initial value, boxed as any.
	initial func(ctx *TransitionContext) (any, error)
	// codec, if non-nil, can (de)serialize the boxed value for the
	// snapshot codec. For states without a codec, SaveTo writes a
	// record with no encoded data and LoadFrom leaves the value to
	// initial.
	codec anyCodec
}

// anyCodec is the type-erased form of DataCodec[D].
type anyCodec interface {
	encodeAny(v any) ([]byte, error)
	decodeAny(data []byte) (any, error)
}

// TreeNode is an immutable structural record produced by the builder
// and validated once at engine construction. Nothing in the
// engine mutates a TreeNode after NewMachine returns; all
// per-instance state (current leaf, data values, timers) is held
// elsewhere.
type TreeNode struct {
	key      StateKey
	kind     NodeKind
	parent   *TreeNode
	children []*TreeNode

	initialChild InitialChildFunc
	data         *dataBinding

	filters  filterChain
	metadata *orderedmap.OrderedMap[string, any]

	onEnter   EntryFunc
	onExit    ExitFunc
	onMessage MessageFunc

	// entryName/exitName are developer-facing labels used only by the
	// diagram builder to name entry/exit functions.
	entryName, exitName string
}

// Key returns the node's identity.
func (n *TreeNode) Key() StateKey { return n.key }

// Kind returns the node's structural classification.
func (n *TreeNode) Kind() NodeKind { return n.kind }

// Parent returns the node's parent, or nil for the root.
func (n *TreeNode) Parent() *TreeNode { return n.parent }

// Children returns the node's direct children in declaration order.
// The returned slice must not be mutated.
func (n *TreeNode) Children() []*TreeNode { return n.children }

// IsLeaf reports whether n has no children (leaf or finalLeaf, I3).
func (n *TreeNode) IsLeaf() bool { return len(n.children) == 0 }

// IsDataState reports whether n carries a typed DataValue.
func (n *TreeNode) IsDataState() bool { return n.data != nil }

// Metadata returns the node's immutable, declaration-ordered metadata.
func (n *TreeNode) Metadata() *orderedmap.OrderedMap[string, any] { return n.metadata }

// String returns the node's key name, for debugging and diagrams.
func (n *TreeNode) String() string { return n.key.Name() }

// Find returns the descendant of n (or n itself) whose key equals k,
// or nil if none matches. Exposed for callers that build a tree and
// then need a *TreeNode handle for a given key, e.g. to pass to
// StartAt.
func (n *TreeNode) Find(k StateKey) *TreeNode {
	var found *TreeNode
	n.selfAndDescendants(func(c *TreeNode) {
		if found == nil && c.key.Equal(k) {
			found = c
		}
	})
	return found
}

// selfAndAncestors returns n, its parent, its parent's parent, and so
// on up to and including the root. The slice is newly
// allocated; callers on a hot path should prefer selfAndAncestorsInto.
func (n *TreeNode) selfAndAncestors() []*TreeNode {
	var buf []*TreeNode
	return n.selfAndAncestorsInto(buf)
}

func (n *TreeNode) selfAndAncestorsInto(buf []*TreeNode) []*TreeNode {
	for s := n; s != nil; s = s.parent {
		buf = append(buf, s)
	}
	return buf
}

// selfAndDescendants visits n and all of its descendants pre-order.
func (n *TreeNode) selfAndDescendants(visit func(*TreeNode)) {
	visit(n)
	for _, c := range n.children {
		c.selfAndDescendants(visit)
	}
}

// selfOrAncestorWithKey returns the nearest node among n and its
// ancestors whose key equals k, or nil if none matches.
func (n *TreeNode) selfOrAncestorWithKey(k StateKey) *TreeNode {
	for s := n; s != nil; s = s.parent {
		if s.key.Equal(k) {
			return s
		}
	}
	return nil
}

// selfOrAncestorWithData returns the nearest node among n and its
// ancestors that is a data state, or nil if none is.
func (n *TreeNode) selfOrAncestorWithData() *TreeNode {
	for s := n; s != nil; s = s.parent {
		if s.data != nil {
			return s
		}
	}
	return nil
}

// lcaWith returns the least common ancestor of n and other.
// Invariant I2 (every non-root has a parent chain terminating at the
// single root, I1) guarantees the two ancestor chains always share at
// least the root, so lcaWith never returns nil for nodes belonging to
// the same tree.
func (n *TreeNode) lcaWith(other *TreeNode) *TreeNode {
	na := reverseAncestors(n)
	oa := reverseAncestors(other)
	var lca *TreeNode
	for i := 0; i < len(na) && i < len(oa); i++ {
		if na[i] != oa[i] {
			break
		}
		lca = na[i]
	}
	return lca
}

// reverseAncestors returns [root, ..., n] - the ancestor chain walked
// from the root end, the orientation lcaWith's pairwise walk needs.
func reverseAncestors(n *TreeNode) []*TreeNode {
	chain := n.selfAndAncestors()
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// isDescendantOf reports whether n is a strict descendant of other.
func (n *TreeNode) isDescendantOf(other *TreeNode) bool {
	for s := n.parent; s != nil; s = s.parent {
		if s == other {
			return true
		}
	}
	return false
}

// validateTree checks structural invariants starting from root (every
// composite has children and an initial-child selector, leaves have no
// children, keys are unique, finalLeaves sit directly under the root,
// parent links are consistent), panicking with a diagnostic for problems
// discovered at build time. Runtime problems use error returns
// instead; this function never runs after construction.
func validateTree(root *TreeNode) {
	if root.kind != KindRoot {
		panic("hsm: tree root must have kind root")
	}
	if root.parent != nil {
		panic("hsm: root must not have a parent")
	}

	seen := map[StateKey]*TreeNode{}
	var walk func(n *TreeNode)
	walk = func(n *TreeNode) {
		for _, existing := range seen {
			if existing.key.Equal(n.key) {
				panic("hsm: duplicate state key " + n.key.Name())
			}
		}
		seen[n.key] = n

		switch n.kind {
		case KindLeaf, KindFinalLeaf:
			if len(n.children) != 0 {
				panic("hsm: state " + n.key.Name() + " is a leaf but has children")
			}
		case KindInterior, KindRoot:
			if len(n.children) == 0 {
				panic("hsm: state " + n.key.Name() + " must have at least one child")
			}
			if n.initialChild == nil {
				panic("hsm: state " + n.key.Name() + " must have an initial-child selector")
			}
		}

		if n.kind == KindFinalLeaf && n.parent != nil && n.parent.kind != KindRoot {
			panic("hsm: finalLeaf " + n.key.Name() + " must be a direct child of the root")
		}

		for _, c := range n.children {
			if c.parent != n {
				panic("hsm: state " + c.key.Name() + " does not list " + n.key.Name() + " as its parent")
			}
			walk(c)
		}
	}
	walk(root)
}
