// Package observer ships reference Observer implementations used by the
// CLI and by end-to-end tests; embedders with real application semantics
// supply their own proxysession.Observer instead.
package observer

import "github.com/nultun/nultun/internal/proxysession"

// Echo mirrors every local message to remote and every remote message
// to local, making a pair of mirror peers exchange a fixed point of
// NUL-terminated messages. Inner, if non-nil, also receives every event
// so logging/metrics can be layered underneath the mirroring behavior.
type Echo struct {
	Inner proxysession.Observer
}

func (e *Echo) OnLocalMessage(s *proxysession.Session, msg []byte) {
	if e.Inner != nil {
		e.Inner.OnLocalMessage(s, msg)
	}
	_ = s.SendRemote(msg)
}

func (e *Echo) OnRemoteMessage(s *proxysession.Session, msg []byte) {
	if e.Inner != nil {
		e.Inner.OnRemoteMessage(s, msg)
	}
	_ = s.SendLocal(msg)
}

func (e *Echo) OnClientStateChanged(s *proxysession.Session, connected bool) {
	if e.Inner != nil {
		e.Inner.OnClientStateChanged(s, connected)
	}
}

func (e *Echo) OnTick(elapsedMS int64) {
	if e.Inner != nil {
		e.Inner.OnTick(elapsedMS)
	}
}
