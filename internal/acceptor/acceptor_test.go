package acceptor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nultun/nultun/internal/loop"
	"github.com/nultun/nultun/internal/netconn"
	"github.com/nultun/nultun/internal/proxysession"
)

type testObserver struct {
	mu     sync.Mutex
	local  []string
	states []bool
}

func (o *testObserver) OnLocalMessage(s *proxysession.Session, msg []byte) {
	o.mu.Lock()
	o.local = append(o.local, string(msg))
	o.mu.Unlock()
}
func (o *testObserver) OnRemoteMessage(*proxysession.Session, []byte) {}
func (o *testObserver) OnClientStateChanged(s *proxysession.Session, connected bool) {
	o.mu.Lock()
	o.states = append(o.states, connected)
	o.mu.Unlock()
}
func (o *testObserver) OnTick(int64) {}
func (o *testObserver) snapshot() (local []string, states []bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.local...), append([]bool(nil), o.states...)
}

func testPipeConfig() netconn.PipeConfig {
	cfg := netconn.DefaultPipeConfig()
	cfg.HighWater = 0
	cfg.LowWater = 0
	return cfg
}

func TestBindAcceptsDialsAndStartsSession(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	upstreamConnCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := upstream.Accept()
		upstreamConnCh <- conn
	}()

	l := loop.New(nil, nil, 1)
	defer l.Dispose()

	obs := &testObserver{}
	a := New(l, obs, nil, testPipeConfig(), nil, nil)
	require.NoError(t, a.Bind("127.0.0.1:0", upstream.Addr().String()))

	client, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	upstreamConn := <-upstreamConnCh
	defer upstreamConn.Close()

	_, err = client.Write([]byte("HELLO\x00"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		local, states := obs.snapshot()
		return len(local) == 1 && len(states) >= 1
	}, time.Second, 5*time.Millisecond)

	local, states := obs.snapshot()
	require.Equal(t, "HELLO", local[0])
	require.True(t, states[0])
}

func TestBindClosesListenerOnLoopCancellation(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	l := loop.New(nil, nil, 1)
	a := New(l, &testObserver{}, nil, testPipeConfig(), nil, nil)
	require.NoError(t, a.Bind("127.0.0.1:0", upstream.Addr().String()))

	addr := a.Addr().String()
	l.Dispose()

	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", addr)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
