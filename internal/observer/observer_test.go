package observer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nultun/nultun/internal/loop"
	"github.com/nultun/nultun/internal/netconn"
	"github.com/nultun/nultun/internal/proxysession"
)

func pipeConfig() netconn.PipeConfig {
	cfg := netconn.DefaultPipeConfig()
	cfg.HighWater = 0
	cfg.LowWater = 0
	return cfg
}

func TestEchoRoundTripIsFixedPoint(t *testing.T) {
	l := loop.New(nil, nil, 1)
	defer l.Dispose()

	localClient, localServer := net.Pipe()
	remoteClient, remoteServer := net.Pipe()
	defer localClient.Close()
	defer remoteClient.Close()

	local := netconn.New(localServer, netconn.Local, pipeConfig())
	remote := netconn.New(remoteServer, netconn.Remote, pipeConfig())

	obs := &Echo{}
	s := proxysession.New(l, local, remote, obs, nil)
	s.Start()

	_, err := localClient.Write([]byte("PING\x00"))
	require.NoError(t, err)

	readBuf := make([]byte, 16)
	remoteClient.SetReadDeadline(time.Now().Add(time.Second))
	n, err := remoteClient.Read(readBuf)
	require.NoError(t, err)
	require.Equal(t, "PING\x00", string(readBuf[:n]))

	_, err = remoteClient.Write([]byte("PONG\x00"))
	require.NoError(t, err)

	localClient.SetReadDeadline(time.Now().Add(time.Second))
	n, err = localClient.Read(readBuf)
	require.NoError(t, err)
	require.Equal(t, "PONG\x00", string(readBuf[:n]))
}
