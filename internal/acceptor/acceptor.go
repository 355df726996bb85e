// Package acceptor implements the listening half of nultun: accept an
// inbound connection, dial the fixed upstream, construct a session, and
// hand it to the loop.
package acceptor

import (
	"net"

	"github.com/pkg/errors"

	"github.com/nultun/nultun/internal/netconn"
	"github.com/nultun/nultun/internal/proxysession"
)

// backlog is the documented listener backlog. Go's net package exposes
// no portable way to set the OS-level backlog, so this value instead
// bounds how many freshly-accepted sockets may be in their Dial phase at
// once; further accepted sockets wait for a free slot before their Dial
// is issued. In practice Dial is fast enough that this never
// binds, but it keeps faith with the documented contract.
const backlog = 128

// WireWrap optionally wraps a freshly accepted or dialed socket (e.g.
// compression, obfuscation) before it is handed to a PipedConnection.
type WireWrap func(net.Conn) (net.Conn, error)

// Acceptor owns the listening socket and the accept/dial/dispatch loop.
type Acceptor struct {
	loop       proxysession.Scheduler
	observer   proxysession.Observer
	errSink    proxysession.ErrorSink
	pipeCfg    netconn.PipeConfig
	wrapLocal  WireWrap
	wrapRemote WireWrap

	listener   net.Listener
	remoteAddr string

	pending chan struct{}
}

// New constructs an Acceptor. wrapLocal/wrapRemote may be nil to leave
// the respective socket unwrapped.
func New(loop proxysession.Scheduler, obs proxysession.Observer, errSink proxysession.ErrorSink, pipeCfg netconn.PipeConfig, wrapLocal, wrapRemote WireWrap) *Acceptor {
	return &Acceptor{
		loop:       loop,
		observer:   obs,
		errSink:    errSink,
		pipeCfg:    pipeCfg,
		wrapLocal:  wrapLocal,
		wrapRemote: wrapRemote,
		pending:    make(chan struct{}, backlog),
	}
}

// Bind creates the listening socket on localAddr and starts accepting
// connections, dialing remoteAddr for each one. If the calling goroutine
// is not the loop's worker, the listener is created via a scheduled
// work item so the listening socket is always owned consistently.
func (a *Acceptor) Bind(localAddr, remoteAddr string) error {
	var lis net.Listener
	var bindErr error
	create := func(any) {
		lis, bindErr = net.Listen("tcp", localAddr)
	}

	if a.loop.IsWorkerThread() {
		create(nil)
	} else {
		done := make(chan struct{})
		if scherr := a.loop.Schedule(func(s any) { create(nil); close(done) }, nil); scherr != nil {
			return scherr
		}
		<-done
	}
	if bindErr != nil {
		return errors.Wrap(bindErr, "acceptor: listen")
	}

	a.listener = lis
	a.remoteAddr = remoteAddr
	go a.watchCancellation()
	go a.acceptLoop()
	return nil
}

// Addr returns the bound listener's address, or nil if Bind has not
// succeeded yet.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Acceptor) watchCancellation() {
	<-a.loop.Context().Done()
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.loop.Context().Done():
				return
			default:
			}
			if a.errSink != nil {
				a.errSink(errors.Wrap(err, "acceptor: accept"))
			}
			continue
		}
		go a.handleAccepted(conn)
	}
}

func (a *Acceptor) handleAccepted(localConn net.Conn) {
	select {
	case a.pending <- struct{}{}:
		defer func() { <-a.pending }()
	case <-a.loop.Context().Done():
		_ = localConn.Close()
		return
	}

	if a.wrapLocal != nil {
		wrapped, err := a.wrapLocal(localConn)
		if err != nil {
			if a.errSink != nil {
				a.errSink(errors.Wrap(err, "acceptor: wrap local"))
			}
			_ = localConn.Close()
			return
		}
		localConn = wrapped
	}

	remoteConn, err := net.Dial("tcp", a.remoteAddr)
	if err != nil {
		if a.errSink != nil {
			a.errSink(errors.Wrap(err, "acceptor: dial"))
		}
		_ = localConn.Close()
		return
	}
	if a.wrapRemote != nil {
		wrapped, werr := a.wrapRemote(remoteConn)
		if werr != nil {
			if a.errSink != nil {
				a.errSink(errors.Wrap(werr, "acceptor: wrap remote"))
			}
			_ = localConn.Close()
			_ = remoteConn.Close()
			return
		}
		remoteConn = wrapped
	}

	local := netconn.New(localConn, netconn.Local, a.pipeCfg)
	remote := netconn.New(remoteConn, netconn.Remote, a.pipeCfg)
	sess := proxysession.New(a.loop, local, remote, a.observer, a.errSink)

	if scherr := a.loop.Schedule(func(any) { sess.Start() }, nil); scherr != nil {
		// Loop is shutting down: there is no worker left to run Start,
		// so dispose the nascent sockets directly instead of leaking
		// them.
		_ = localConn.Close()
		_ = remoteConn.Close()
	}
}
