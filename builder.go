package hsm

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// TreeBuilder provides the fluent API for assembling a NodeDef tree
// before it is handed to NewMachine. One TreeBuilder owns the whole
// tree; each in-progress NodeBuilder is tracked until its Build is
// called, so a forgotten Build() can be caught as a diagnostic at
// finalize time instead of silently dropping a node.
type TreeBuilder struct {
	root          *nodeBuilder
	unbuiltAny    []*nodeBuilder
	dataAssigned  map[StateKey]bool
}

// NewTree starts a new tree definition rooted at a composite node
// identified by key.
func NewTree(key StateKey) *TreeBuilder {
	tb := &TreeBuilder{dataAssigned: map[StateKey]bool{}}
	root := &nodeBuilder{tree: tb, key: key, kind: KindRoot, metadata: orderedmap.New[string, any]()}
	tb.root = root
	return tb
}

// Root returns a builder for the tree's root node.
func (tb *TreeBuilder) Root() *nodeBuilder { return tb.root }

// Build finalizes the tree: every node added via Child must have had
// its own Build called first.
func (tb *TreeBuilder) Build() *TreeNode {
	if len(tb.unbuiltAny) > 0 {
		panic(fmt.Sprintf("hsm: %d node builder(s) created but never Build()-ed", len(tb.unbuiltAny)))
	}
	root := tb.root.toNode(nil)
	return root
}

// nodeBuilder builds one TreeNode. Obtained via TreeBuilder.Root() or
// an existing nodeBuilder's Child method.
type nodeBuilder struct {
	tree     *TreeBuilder
	key      StateKey
	kind     NodeKind
	children []*nodeBuilder
	built    bool

	initialChild InitialChildFunc
	data         *dataBinding
	filters      filterChain
	metadata     *orderedmap.OrderedMap[string, any]

	onEnter   EntryFunc
	onExit    ExitFunc
	onMessage MessageFunc

	entryName, exitName string
}

// Child starts a builder for a new child of n. kind must be Interior
// or Leaf or FinalLeaf; Root is reserved for the tree's own root.
func (n *nodeBuilder) Child(key StateKey, kind NodeKind) *nodeBuilder {
	if kind == KindRoot {
		panic("hsm: only the tree's own root may have kind root")
	}
	c := &nodeBuilder{tree: n.tree, key: key, kind: kind, metadata: orderedmap.New[string, any]()}
	n.children = append(n.children, c)
	n.tree.unbuiltAny = append(n.tree.unbuiltAny, c)
	return c
}

// OnEnter sets the node's entry handler.
func (n *nodeBuilder) OnEnter(name string, f EntryFunc) *nodeBuilder {
	n.entryName, n.onEnter = name, f
	return n
}

// OnExit sets the node's exit handler.
func (n *nodeBuilder) OnExit(name string, f ExitFunc) *nodeBuilder {
	n.exitName, n.onExit = name, f
	return n
}

// OnMessage sets the node's message handler.
func (n *nodeBuilder) OnMessage(f MessageFunc) *nodeBuilder {
	n.onMessage = f
	return n
}

// InitialChild sets the selector used when descending into n without a
// more specific target; required for any node with children.
func (n *nodeBuilder) InitialChild(f InitialChildFunc) *nodeBuilder {
	n.initialChild = f
	return n
}

// WithFilter appends a filter to n's chain, in declaration order.
func (n *nodeBuilder) WithFilter(f Filter) *nodeBuilder {
	n.filters = append(n.filters, f)
	return n
}

// WithMetadata sets one metadata key/value pair.
func (n *nodeBuilder) WithMetadata(key string, value any) *nodeBuilder {
	n.metadata.Set(key, value)
	return n
}

// DataNode declares n as a data state with the given lazily-computed
// initial value producer and optional codec. D must match the
// DataStateKey[D] used to later look the value up via Data/MessageData;
// this bridges the generic DataCodec into the node's erased
// dataBinding.
func DataNode[D any](n *nodeBuilder, initial func(ctx *TransitionContext) (D, error), codec *DataCodec[D]) *nodeBuilder {
	if n.tree.dataAssigned[n.key] {
		panic("hsm: state " + n.key.Name() + " already has a data binding")
	}
	n.tree.dataAssigned[n.key] = true
	binding := &dataBinding{
		initial: func(ctx *TransitionContext) (any, error) {
			v, err := initial(ctx)
			return v, err
		},
	}
	if codec != nil {
		binding.codec = *codec
	}
	n.data = binding
	return n
}

// Build finalizes this node and returns it, removing it from the
// tree's list of not-yet-built nodes. Calling Build twice on the same
// builder panics.
func (n *nodeBuilder) Build() *nodeBuilder {
	if n.built {
		panic("hsm: node " + n.key.Name() + " builder: invalid attempt to use the same builder twice")
	}
	n.built = true
	for i, u := range n.tree.unbuiltAny {
		if u == n {
			n.tree.unbuiltAny = append(n.tree.unbuiltAny[:i], n.tree.unbuiltAny[i+1:]...)
			break
		}
	}
	return n
}

func (n *nodeBuilder) toNode(parent *TreeNode) *TreeNode {
	tn := &TreeNode{
		key:          n.key,
		kind:         n.kind,
		parent:       parent,
		initialChild: n.initialChild,
		data:         n.data,
		filters:      n.filters,
		metadata:     n.metadata,
		onEnter:      n.onEnter,
		onExit:       n.onExit,
		onMessage:    n.onMessage,
		entryName:    n.entryName,
		exitName:     n.exitName,
	}
	for _, c := range n.children {
		tn.children = append(tn.children, c.toNode(tn))
	}
	return tn
}
