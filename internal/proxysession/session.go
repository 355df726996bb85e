// Package proxysession implements ProxySession: a pair of PipedConnections
// (local, remote) sharing a lifecycle and forwarding framed messages to an
// embedder-supplied Observer.
package proxysession

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nultun/nultun/internal/netconn"
)

var (
	// ErrWrongThread is returned by SendLocal/SendRemote when called
	// from any goroutine other than the owning loop's worker.
	ErrWrongThread = errors.New("nultun: send must be called from the event loop's worker goroutine")
	// ErrDisposed is returned by SendLocal/SendRemote once the session
	// has begun teardown.
	ErrDisposed = errors.New("nultun: session already disposed")
)

// State is one of the three lifecycle phases a Session moves through.
type State int32

const (
	// StatePending is the initial state: both connections are
	// constructed but no task is running yet.
	StatePending State = iota
	// StateRunning is entered when Start is called; the connected event
	// and the launch of the six per-connection tasks are scheduled from
	// there.
	StateRunning
	// StateDisposed is terminal.
	StateDisposed
)

// Scheduler is the subset of the event loop a Session needs: the ability
// to post work onto the worker and to ask whether the calling goroutine
// is the worker.
type Scheduler interface {
	Schedule(fn func(state any), state any) error
	IsWorkerThread() bool
	Context() context.Context
}

// Observer receives framed messages, connection state changes, and the
// loop's periodic tick. All methods are invoked on the owning loop's
// worker goroutine, with one exception: when the loop is already
// disposing, a session's disconnected event is delivered on the task
// goroutine that observed the shutdown. OnTick is not called by Session itself — it has no
// session to pass — callers wire it directly to the owning Loop's tick
// callback; it lives on this interface because spec treats the embedder
// as a single four-method collaborator rather than two separate sinks.
type Observer interface {
	OnLocalMessage(s *Session, msg []byte)
	OnRemoteMessage(s *Session, msg []byte)
	OnClientStateChanged(s *Session, connected bool)
	OnTick(elapsedMS int64)
}

// ErrorSink receives transport errors observed by a session's tasks.
type ErrorSink func(err error)

// Session pairs a local (inbound) and remote (upstream) PipedConnection
// and owns their joint lifecycle.
type Session struct {
	loop     Scheduler
	local    *netconn.Connection
	remote   *netconn.Connection
	observer Observer
	errSink  ErrorSink

	// UserToken is an opaque attach point for embedder state.
	UserToken any

	state    atomic.Int32
	disposed atomic.Bool
}

// New constructs a pending session. Both conns must already be
// connected; Start publishes the connected event and launches the
// per-connection tasks.
func New(loop Scheduler, localConn, remoteConn *netconn.Connection, obs Observer, errSink ErrorSink) *Session {
	return &Session{
		loop:     loop,
		local:    localConn,
		remote:   remoteConn,
		observer: obs,
		errSink:  errSink,
	}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Local returns the inbound connection.
func (s *Session) Local() *netconn.Connection { return s.local }

// Remote returns the upstream connection.
func (s *Session) Remote() *netconn.Connection { return s.remote }

// Start transitions pending -> running. The connected event is scheduled
// strictly before the per-connection tasks are launched, so it is always
// observed before any message from this session.
func (s *Session) Start() {
	s.state.Store(int32(StateRunning))
	_ = s.loop.Schedule(func(any) {
		if s.observer != nil {
			s.observer.OnClientStateChanged(s, true)
		}
	}, nil)
	_ = s.loop.Schedule(func(any) { s.startTasks() }, nil)
}

func (s *Session) startTasks() {
	ctx := s.loop.Context()

	go s.local.RecvFromSocket(ctx, s.onTaskDone)
	go s.local.FrameFromRecv(ctx, func(msg []byte) {
		s.deliver(func() {
			if s.observer != nil {
				s.observer.OnLocalMessage(s, msg)
			}
		})
	}, s.onTaskDone)
	go s.local.SendToSocket(ctx, s.onTaskDone)

	go s.remote.RecvFromSocket(ctx, s.onTaskDone)
	go s.remote.FrameFromRecv(ctx, func(msg []byte) {
		s.deliver(func() {
			if s.observer != nil {
				s.observer.OnRemoteMessage(s, msg)
			}
		})
	}, s.onTaskDone)
	go s.remote.SendToSocket(ctx, s.onTaskDone)
}

// runOnWorker schedules fn and blocks the calling goroutine until fn has
// actually run on the worker, rather than merely been enqueued. This is
// what makes a task goroutine's pipe continuation behave as if it ran on
// the worker itself: the task cannot proceed to its next blocking I/O
// call, and in particular cannot reach its own completion/error path,
// until the previous continuation has been fully applied to session
// state in the worker's single-threaded order. It returns an error if
// the loop starts disposing before fn is seen to finish; fn may then not
// have run at all, or may have run or still be running on the worker.
func (s *Session) runOnWorker(fn func()) error {
	done := make(chan struct{})
	if err := s.loop.Schedule(func(any) {
		fn()
		close(done)
	}, nil); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.loop.Context().Done():
		return errors.New("nultun: loop disposed before scheduled work ran")
	}
}

// deliver runs fn on the worker and blocks the calling task goroutine
// until it has executed. The scheduled wrapper checks the disposed flag
// before calling fn, so a message already in flight when another connection's
// failure disposes the session is discarded rather than delivered after
// on_client_state_changed(false) has fired.
func (s *Session) deliver(fn func()) {
	_ = s.runOnWorker(func() {
		if s.disposed.Load() {
			return
		}
		fn()
	})
}

// onTaskDone is the completion callback passed to each of the six
// per-connection tasks. err is nil on a clean EOF. The error report and
// disposal both run on the worker, serialized against any other
// session's scheduled work and against this session's own in-flight
// deliver calls.
func (s *Session) onTaskDone(err error) {
	run := func() {
		if s.disposed.Load() {
			return
		}
		if err != nil && s.errSink != nil {
			s.errSink(err)
		}
		s.dispose()
	}
	if s.loop.IsWorkerThread() {
		run()
		return
	}
	if scherr := s.runOnWorker(run); scherr != nil {
		// The loop is already shutting down and will never drain this
		// work item; tear the session down inline to avoid leaking
		// sockets, per the work-queue shutdown race. dispose is
		// idempotent, so a concurrent in-flight run() racing this one
		// cannot double-teardown.
		run()
	}
}

// dispose runs the teardown sequence exactly once no matter how many
// tasks (or the loop itself) trigger it concurrently.
func (s *Session) dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(int32(StateDisposed))

	if s.observer != nil {
		s.observer.OnClientStateChanged(s, false)
	}

	s.local.ShutdownSocket()
	s.remote.ShutdownSocket()

	s.local.CompletePipes()
	s.remote.CompletePipes()

	_ = s.local.CloseSocket()
	_ = s.remote.CloseSocket()
}

// IsDisposed reports whether the session's teardown has begun; the flag
// is set before the disconnected event fires and the sockets close.
func (s *Session) IsDisposed() bool { return s.disposed.Load() }

// SendLocal queues payload, NUL-terminated, on the local (inbound) send
// pipe. Callable only from the owning loop's worker goroutine; the send
// pipe has a single producer and permitting foreign producers would
// break the loop's FIFO linearizability guarantee.
func (s *Session) SendLocal(payload []byte) error {
	return s.send(s.local, payload)
}

// SendLocalText is SendLocal with a string payload.
func (s *Session) SendLocalText(text string) error {
	return s.SendLocal([]byte(text))
}

// SendRemote queues payload, NUL-terminated, on the remote (upstream)
// send pipe. Same worker-thread restriction as SendLocal.
func (s *Session) SendRemote(payload []byte) error {
	return s.send(s.remote, payload)
}

// SendRemoteText is SendRemote with a string payload.
func (s *Session) SendRemoteText(text string) error {
	return s.SendRemote([]byte(text))
}

func (s *Session) send(conn *netconn.Connection, payload []byte) error {
	if !s.loop.IsWorkerThread() {
		return ErrWrongThread
	}
	if s.disposed.Load() {
		return ErrDisposed
	}
	return conn.Send(s.loop.Context(), payload)
}
