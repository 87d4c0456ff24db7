package hsm

// MachineTreeStateData is the data value a nested machine state exposes
// through its DataValue: a live read of the child engine's current
// state.
type MachineTreeStateData struct {
	Current CurrentState
}

// disposedSentinel is posted to the parent machine when the child
// reaches Disposed; node disambiguates which nested state it belongs
// to when a tree has more than one.
type disposedSentinel struct {
	node *TreeNode
}

// childTransitionSentinel is posted to the parent for every child
// transition, not just done ones, so the node's MachineTreeStateData
// DataValue can be refreshed on the dispatcher goroutine instead of
// racing the box from the background goroutine that watches the
// child's transitions stream. The dispatcher goroutine is the only
// place that may safely mutate engine state.
type childTransitionSentinel struct {
	node       *TreeNode
	transition *Transition
	done       bool
}

// NestedMachineConfig configures a nested machine state, including a
// `done`-carries-final-transition completion signal.
type NestedMachineConfig struct {
	// NewChild builds and returns the (not-yet-started) child tree for
	// this activation. Called once per entry.
	NewChild func(ctx *TransitionContext) *TreeNode
	// ChildOptions configures the child Machine, e.g. its own
	// redirect limit.
	ChildOptions []MachineOption
	// IsDone overrides the default "child entered a finalLeaf" done
	// condition.
	IsDone func(tr *Transition) bool
	// OnDone handles the done sentinel, typically producing a GoTo.
	OnDone func(ctx *MessageContext, tr *Transition) MessageResult
	// OnDisposed handles the child-disposed sentinel.
	OnDisposed func(ctx *MessageContext) MessageResult
	// ForwardMessages, if true, forwards every message not recognized
	// as a done/disposed sentinel to the child's current leaf before
	// continuing normal bubbling in the parent.
	ForwardMessages bool
	// DisposeOnExit disposes the child machine when this state exits.
	DisposeOnExit bool
}

// nestedChildState is the per-activation runtime record for one
// nested-machine node, held on the owning Machine since TreeNode
// itself stays immutable and instance-agnostic.
type nestedChildState struct {
	child             *Machine
	cancelTransitions func()
	cancelLifecycle   func()
}

// NestedMachine wires n as a nested-machine state: a MachineTreeStateData
// data binding plus onEnter/onExit/onMessage handlers that start a
// child Machine on entry, track its current state, stop tracking it on
// exit (disposing it only when DisposeOnExit is set), and surface its
// completion as a sentinel message the parent can
// react to (typically with a GoTo).
func NestedMachine(n *nodeBuilder, cfg NestedMachineConfig) *nodeBuilder {
	DataNode[MachineTreeStateData](n, func(ctx *TransitionContext) (MachineTreeStateData, error) {
		st := ctx.machine.nestedChildren[ctx.ownerNode]
		if st == nil {
			return MachineTreeStateData{}, nil
		}
		return MachineTreeStateData{Current: st.child.snapshotCurrentState()}, nil
	}, nil)

	n.OnEnter("startNestedChild", func(ctx *TransitionContext) error {
		childRoot := cfg.NewChild(ctx)
		child := NewMachine(childRoot, cfg.ChildOptions...)
		node := ctx.ownerNode
		parent := ctx.machine

		trCh, cancelTr := child.Transitions()
		lcCh, cancelLc := child.Lifecycle()
		st := &nestedChildState{child: child, cancelTransitions: cancelTr, cancelLifecycle: cancelLc}
		parent.nestedChildren[node] = st

		go func() {
			for tr := range trCh {
				done := tr.IsToFinalState
				if cfg.IsDone != nil {
					done = cfg.IsDone(tr)
				}
				parent.post(childTransitionSentinel{node: node, transition: tr, done: done})
			}
		}()
		go func() {
			for s := range lcCh {
				if s == Disposed {
					parent.post(disposedSentinel{node: node})
					return
				}
			}
		}()

		_, err := child.Start(ctx.Context()).Wait()
		return err
	})

	n.OnExit("stopNestedChild", func(ctx *TransitionContext) error {
		st := ctx.machine.nestedChildren[ctx.ownerNode]
		if st == nil {
			return nil
		}
		st.cancelTransitions()
		st.cancelLifecycle()
		if cfg.DisposeOnExit {
			st.child.Dispose()
		}
		delete(ctx.machine.nestedChildren, ctx.ownerNode)
		return nil
	})

	n.OnMessage(func(ctx *MessageContext) MessageResult {
		switch msg := ctx.Message().(type) {
		case childTransitionSentinel:
			if msg.node != ctx.handlingState {
				return Unhandled()
			}
			// Refresh on the dispatcher goroutine: the only place a
			// dataValueBox is ever safe to mutate.
			if st := ctx.machine.nestedChildren[msg.node]; st != nil {
				if box, ok := ctx.machine.dataValues[msg.node]; ok {
					dv := DataValue[MachineTreeStateData]{box: box}
					tctx := &TransitionContext{ctx: ctx.Context(), machine: ctx.machine, ownerNode: msg.node}
					dv.Update(tctx, func(MachineTreeStateData) MachineTreeStateData {
						return MachineTreeStateData{Current: st.child.snapshotCurrentState()}
					})
				}
			}
			if msg.done && cfg.OnDone != nil {
				return cfg.OnDone(ctx, msg.transition)
			}
			return Unhandled()
		case disposedSentinel:
			if msg.node != ctx.handlingState || cfg.OnDisposed == nil {
				return Unhandled()
			}
			return cfg.OnDisposed(ctx)
		default:
			if cfg.ForwardMessages {
				if st := ctx.machine.nestedChildren[ctx.handlingState]; st != nil {
					st.child.Post(ctx.Message())
				}
			}
			return Unhandled()
		}
	})

	return n
}
