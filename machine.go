package hsm

import (
	"context"
)

// stoppedStateKey is the reserved finalLeaf auto-inserted as a direct
// child of root during engine construction.
var stoppedStateKey = NewKey("<!Stopped!>")

// stopSentinel is the reserved stop message, compared by identity.
// Posting any other value never matches it.
var stopSentinel = &struct{ name string }{name: "stop"}

// MachineConfig holds construction-time options, using the "plain
// struct plus functional options" style favored throughout this
// package over a parsed config format.
type MachineConfig struct {
	redirectLimit       int
	postErrorPolicy     PostMessageErrorPolicy
	dispatchQueueBuffer int
}

// MachineOption configures a Machine at construction time.
type MachineOption func(*MachineConfig)

// WithRedirectLimit overrides the default redirect budget of 5,
// charged against the chain of RedirectTo calls a single entry path
// may trigger.
func WithRedirectLimit(n int) MachineOption {
	return func(c *MachineConfig) { c.redirectLimit = n }
}

// WithPostMessageErrorPolicy selects whether a HandlerError raised
// while processing a posted message also fails that message's future.
func WithPostMessageErrorPolicy(p PostMessageErrorPolicy) MachineOption {
	return func(c *MachineConfig) { c.postErrorPolicy = p }
}

func defaultConfig() MachineConfig {
	return MachineConfig{redirectLimit: 5, postErrorPolicy: ConvertToFailedMessage}
}

// Machine is the runtime facade over one tree definition. All mutable
// per-instance state - current leaf, data values, history, timers,
// queue - lives here; the TreeNode graph itself stays immutable once
// NewMachine validates it.
type Machine struct {
	config MachineConfig

	root        *TreeNode
	nodeByKey   map[StateKey]*TreeNode
	stoppedNode *TreeNode

	currentLeaf *TreeNode
	dataValues  map[*TreeNode]*dataValueBox

	lastActiveChild map[*TreeNode]*TreeNode
	lastActiveLeaf  map[*TreeNode]*TreeNode

	nestedChildren map[*TreeNode]*nestedChildState

	scheduler *scheduler
	queue     *messageQueue
	lifecycle *lifecycleManager

	// startCancel cancels the context passed to the in-flight Start
	// goroutine's handlers. Dispose calls it so entry/initialData code
	// that watches ctx.Done() unwinds promptly instead of running to
	// completion unsupervised.
	startCancel context.CancelFunc

	transitions       *broadcaster[*Transition]
	processedMessages *broadcaster[ProcessedMessage]
	handledMessages   *broadcaster[ProcessedMessage]
	failedMessages    *broadcaster[ProcessedMessage]

	dispatchDone chan struct{}
}

// NewMachine validates root (inserting the reserved stopped finalLeaf
// as an extra child of root first) and constructs a Machine ready for
// Start. Structural problems panic synchronously via validateTree.
func NewMachine(root *TreeNode, opts ...MachineOption) *Machine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	stopped := &TreeNode{key: stoppedStateKey, kind: KindFinalLeaf, parent: root}
	root.children = append(root.children, stopped)

	validateTree(root)

	m := &Machine{
		config:            cfg,
		root:              root,
		stoppedNode:       stopped,
		nodeByKey:         map[StateKey]*TreeNode{},
		dataValues:        map[*TreeNode]*dataValueBox{},
		lastActiveChild:   map[*TreeNode]*TreeNode{},
		lastActiveLeaf:    map[*TreeNode]*TreeNode{},
		nestedChildren:    map[*TreeNode]*nestedChildState{},
		queue:             newMessageQueue(),
		lifecycle:         newLifecycleManager(),
		transitions:       newBroadcaster[*Transition](false),
		processedMessages: newBroadcaster[ProcessedMessage](false),
		handledMessages:   newBroadcaster[ProcessedMessage](false),
		failedMessages:    newBroadcaster[ProcessedMessage](false),
	}
	m.scheduler = newScheduler(m)
	root.selfAndDescendants(func(n *TreeNode) { m.nodeByKey[n.key] = n })
	return m
}

// Root returns the engine's tree root, for diagram export and
// inspection.
func (m *Machine) Root() *TreeNode { return m.root }

// Start enters the initial state - root's initial-child path by
// default, or the state named by at - and launches the dispatcher.
// Idempotent against an already-Started engine.
func (m *Machine) Start(goCtx context.Context, opts ...StartOption) *Future[CurrentState] {
	fut := newFuture[CurrentState]()
	shouldRun, already, err := m.lifecycle.beginStart()
	if err != nil {
		fut.fail(err)
		return fut
	}
	if already {
		fut.resolve(m.snapshotCurrentState())
		return fut
	}
	if !shouldRun {
		go func() {
			m.lifecycle.waitWhile(Starting, Stopping)
			switch m.lifecycle.current() {
			case Started:
				fut.resolve(m.snapshotCurrentState())
			case Stopped:
				cs, err := m.Start(goCtx, opts...).Wait()
				if err != nil {
					fut.fail(err)
					return
				}
				fut.resolve(cs)
			default:
				fut.fail(ErrInvalidLifecycle)
			}
		}()
		return fut
	}

	cfg := startConfig{at: m.root}
	for _, o := range opts {
		o(&cfg)
	}

	chain := append([]*TreeNode{m.root}, entryChainFrom(cfg.at, m.root)...)

	startCtx, cancel := context.WithCancel(goCtx)
	m.startCancel = cancel

	go func() {
		tctx := &TransitionContext{ctx: startCtx, machine: m}
		leaf, _, err := m.runEntryAndDescent(tctx, chain, cfg.at, HistoryNone, cfg.withData)
		if err != nil {
			// Only publish Stopped if nothing else has moved the
			// lifecycle on since we began: a racing Dispose/Stop already
			// owns the terminal state and must not be clobbered back.
			if m.lifecycle.trySet(Starting, Stopped) {
				fut.fail(err)
			} else {
				fut.fail(ErrInvalidLifecycle)
			}
			return
		}
		if !m.lifecycle.trySet(Starting, Started) {
			// A Dispose/Stop raced this Start to completion while entry
			// handlers were suspended; leave currentLeaf, the dispatcher,
			// and the transitions stream untouched so the already-
			// published Disposed/Stopping state stands.
			fut.fail(ErrInvalidLifecycle)
			return
		}
		m.currentLeaf = leaf
		m.recordHistory(leaf)
		m.transitions.publish(&Transition{
			From:           m.root.key,
			To:             leaf.key,
			LCA:            m.root.key,
			EntryPath:      tctx.enteredKeys,
			Metadata:       tctx.metadata,
			IsToFinalState: leaf.kind == KindFinalLeaf,
		})
		if m.dispatchDone == nil {
			m.dispatchDone = make(chan struct{})
			go m.dispatchLoop(goCtx)
		} else {
			// restart (Stopped -> Starting -> Started): the dispatcher
			// goroutine launched by the first Start is still running,
			// parked waiting on the queue signal; nudge it awake so it
			// re-checks currentLeaf against stoppedNode.
			m.queue.push(queuedMessage{msg: noopMessage{}})
		}
		fut.resolve(m.snapshotCurrentState())
	}()
	return fut
}

// StartOption customizes Start.
type StartOption func(*startConfig)

type startConfig struct {
	at       *TreeNode
	withData map[*TreeNode]any
}

// StartAt overrides the default root initial-child descent, starting
// instead from the subtree rooted at the named state (used by loadFrom
// and by callers resuming at a specific state).
func StartAt(node *TreeNode) StartOption {
	return func(c *startConfig) { c.at = node }
}

func withDataOverrides(overrides map[*TreeNode]any) StartOption {
	return func(c *startConfig) { c.withData = overrides }
}

// noopMessage wakes a dispatcher goroutine parked waiting on the queue
// signal without producing any observable ProcessedMessage - used to
// nudge it after a Stopped -> Starting restart.
type noopMessage struct{}

// dispatchLoop is the engine's single logical task: it pops one
// message at a time and fully completes processing - including any
// transition the result triggers - before popping the next. It keeps
// running for the engine's whole lifetime, including while stopped
// (posts after stop yield UnhandledMessage rather than being
// dropped), and exits once disposed or once the context passed to
// the first Start is done.
func (m *Machine) dispatchLoop(goCtx context.Context) {
	defer close(m.dispatchDone)
	for {
		item, ok := m.queue.pop()
		if !ok {
			if m.lifecycle.current() == Disposed {
				return
			}
			select {
			case <-m.queue.signal:
				continue
			case <-goCtx.Done():
				return
			}
		}
		if _, isNoop := item.msg.(noopMessage); isNoop {
			continue
		}
		result := m.dispatchOne(goCtx, item.msg)
		m.processedMessages.publish(result)
		switch result.Kind {
		case Handled:
			m.handledMessages.publish(result)
			if result.Transition != nil {
				m.transitions.publish(result.Transition)
			}
			if item.future != nil {
				item.future.resolve(result)
			}
		case Failed:
			m.failedMessages.publish(result)
			if item.future != nil {
				if m.config.postErrorPolicy == RethrowOnError {
					item.future.fail(result.Err)
				} else {
					item.future.resolve(result)
				}
			}
		default:
			if item.future != nil {
				item.future.resolve(result)
			}
		}
		if m.lifecycle.current() == Disposed {
			return
		}
	}
}

// post enqueues msg and returns a future resolved once it is fully
// processed.
func (m *Machine) post(msg any) *Future[ProcessedMessage] {
	fut := newFuture[ProcessedMessage]()
	state := m.lifecycle.current()
	if state == Disposed {
		fut.fail(ErrDisposed)
		return fut
	}
	m.queue.push(queuedMessage{msg: msg, future: fut})
	return fut
}

// Post is the public entry point for external callers.
func (m *Machine) Post(msg any) *Future[ProcessedMessage] {
	return m.post(msg)
}

// Stop posts the reserved stop sentinel and returns a future resolved
// once the transition to the stopped finalLeaf completes.
func (m *Machine) Stop() *Future[ProcessedMessage] {
	if m.lifecycle.current() == Starting {
		fut := newFuture[ProcessedMessage]()
		go func() {
			m.lifecycle.waitWhile(Starting)
			pm, err := m.Stop().Wait()
			if err != nil {
				fut.fail(err)
				return
			}
			fut.resolve(pm)
		}()
		return fut
	}
	shouldRun, err := m.lifecycle.beginStop()
	if err != nil {
		fut := newFuture[ProcessedMessage]()
		fut.fail(err)
		return fut
	}
	if !shouldRun {
		fut := newFuture[ProcessedMessage]()
		go func() {
			m.lifecycle.waitWhile(Stopping)
			fut.resolve(ProcessedMessage{Kind: Handled})
		}()
		return fut
	}
	return m.post(stopSentinel)
}

// Dispose irrevocably tears the engine down: cancels in-flight
// start/stop, cancels every outstanding timer, closes every DataValue,
// and drops unprocessed messages. Idempotent.
func (m *Machine) Dispose() {
	if m.lifecycle.current() == Disposed {
		return
	}
	m.lifecycle.dispose()
	if m.startCancel != nil {
		m.startCancel()
	}
	if m.scheduler != nil {
		m.scheduler.cancelAll()
	}
	for n, box := range m.dataValues {
		box.close()
		delete(m.dataValues, n)
	}
	dropped := m.queue.drain()
	for _, item := range dropped {
		if item.future != nil {
			item.future.fail(ErrDisposed)
		}
	}
	if m.dispatchDone != nil {
		m.queue.push(queuedMessage{msg: noopMessage{}})
	}
}

// CurrentState is an immutable snapshot of the engine's active state
// path at the moment it was taken.
type CurrentState struct {
	key          StateKey
	activeStates []StateKey
	machine      *Machine
}

// Key returns the current leaf's key.
func (s CurrentState) Key() StateKey { return s.key }

// ActiveStates returns every active node's key, leaf-first.
func (s CurrentState) ActiveStates() []StateKey { return s.activeStates }

// IsInState reports whether k identifies the current leaf or one of
// its active ancestors.
func (s CurrentState) IsInState(k StateKey) bool {
	for _, ak := range s.activeStates {
		if ak.Equal(k) {
			return true
		}
	}
	return false
}

// Post forwards to the owning machine.
func (s CurrentState) Post(msg any) *Future[ProcessedMessage] { return s.machine.post(msg) }

func (m *Machine) snapshotCurrentState() CurrentState {
	var keys []StateKey
	for n := m.currentLeaf; n != nil; n = n.parent {
		keys = append(keys, n.key)
	}
	return CurrentState{key: m.currentLeaf.key, activeStates: keys, machine: m}
}

// DataValueOf looks up the DataValue for key among the currently-active
// states, for use outside of a handler (e.g. from CurrentState).
func DataValueOf[D any](m *Machine, key DataStateKey[D]) (DataValue[D], error) {
	return dataLookup[D](m, key)
}

// DataStream subscribes to key's values across activation cycles: the
// channel stays open even as the owning state exits and a later
// transition re-enters it, re-subscribing internally to the new box
// each time.
func DataStream[D any](m *Machine, key DataStateKey[D]) (<-chan D, func()) {
	out := make(chan D, streamBufferSize)
	stopCh := make(chan struct{})
	go func() {
		var cancel func()
		defer func() {
			if cancel != nil {
				cancel()
			}
			close(out)
		}()
		for {
			// Subscribe for the next transition before looking up, so a
			// re-entry completing between a failed lookup and the wait
			// is not missed.
			rebind := m.dataRebind(key)
			dv, err := dataLookup[D](m, key)
			if err != nil {
				select {
				case <-stopCh:
					return
				case <-rebind:
					continue
				}
			}
			ch, c := dv.Stream()
			cancel = c
		readLoop:
			for {
				select {
				case v, ok := <-ch:
					if !ok {
						break readLoop
					}
					select {
					case out <- v:
					default:
					}
				case <-stopCh:
					return
				}
			}
		}
	}()
	return out, func() { close(stopCh) }
}

// dataRebind returns a channel closed the next time a transition
// completes, used by DataStream to retry its lookup after a state
// carrying key is re-entered.
func (m *Machine) dataRebind(key StateKey) <-chan struct{} {
	ch := make(chan struct{})
	sub, cancel := m.transitions.subscribe()
	go func() {
		defer cancel()
		for range sub {
			close(ch)
			return
		}
	}()
	return ch
}

// Transitions returns the transitions stream.
func (m *Machine) Transitions() (<-chan *Transition, func()) { return m.transitions.subscribe() }

// ProcessedMessages returns the processedMessages stream.
func (m *Machine) ProcessedMessages() (<-chan ProcessedMessage, func()) {
	return m.processedMessages.subscribe()
}

// HandledMessages returns the handledMessages stream.
func (m *Machine) HandledMessages() (<-chan ProcessedMessage, func()) {
	return m.handledMessages.subscribe()
}

// FailedMessages returns the failedMessages stream.
func (m *Machine) FailedMessages() (<-chan ProcessedMessage, func()) {
	return m.failedMessages.subscribe()
}

// Lifecycle returns the lifecycle stream.
func (m *Machine) Lifecycle() (<-chan LifecycleState, func()) { return m.lifecycle.stream.subscribe() }

// LifecycleState returns the engine's current lifecycle state.
func (m *Machine) LifecycleState() LifecycleState { return m.lifecycle.current() }
