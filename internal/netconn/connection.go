// Package netconn implements PipedConnection: one TCP socket plus a pair
// of streampipe pipes, driven by three cooperative tasks that bridge the
// socket to the pipes and back.
package netconn

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/nultun/nultun/internal/streampipe"
)

// Direction tags which peer a PipedConnection talks to.
type Direction int

const (
	// Local is the inbound (client-facing) peer.
	Local Direction = iota
	// Remote is the upstream peer dialed by the Acceptor.
	Remote
)

func (d Direction) String() string {
	if d == Remote {
		return "remote"
	}
	return "local"
}

// PipeConfig tunes the water marks and buffer pool shared by a
// connection's pipes.
type PipeConfig struct {
	HighWater int
	LowWater  int
	Alloc     *smux.Allocator
}

// DefaultPipeConfig returns sane water marks shared across all
// connections constructed without an explicit override.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		HighWater: 1 << 20, // 1MiB
		LowWater:  1 << 18, // 256KiB
		Alloc:     smux.NewAllocator(),
	}
}

// Connection owns one socket and the recv/send pipe pair feeding it.
type Connection struct {
	conn      net.Conn
	direction Direction

	recvW *streampipe.Writer
	recvR *streampipe.Reader
	sendW *streampipe.Writer
	sendR *streampipe.Reader
}

// New constructs a PipedConnection around conn. The connection owns conn
// exclusively from this point on.
func New(conn net.Conn, dir Direction, cfg PipeConfig) *Connection {
	recvW, recvR := streampipe.New(cfg.HighWater, cfg.LowWater, cfg.Alloc)
	sendW, sendR := streampipe.New(cfg.HighWater, cfg.LowWater, cfg.Alloc)
	return &Connection{
		conn:      conn,
		direction: dir,
		recvW:     recvW,
		recvR:     recvR,
		sendW:     sendW,
		sendR:     sendR,
	}
}

// Direction returns which peer this connection talks to.
func (c *Connection) Direction() Direction { return c.direction }

const recvChunk = 4096

// RecvFromSocket reads from the socket into the recv pipe until the
// socket errors, reports EOF, or the reader half completes. onDone is
// invoked exactly once, with a nil error on a clean EOF.
func (c *Connection) RecvFromSocket(ctx context.Context, onDone func(error)) {
	for {
		buf := c.recvW.GetWritableMemory(recvChunk)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.recvW.Advance(n)
			fr, ferr := c.recvW.Flush(ctx)
			if ferr != nil {
				onDone(ferr)
				return
			}
			if fr.Completed {
				onDone(nil)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				onDone(nil)
			} else {
				onDone(errors.Wrap(err, "netconn: recv"))
			}
			return
		}
	}
}

// FrameFromRecv reads the recv pipe, slices complete NUL-terminated
// messages off the front, and hands each to deliver in arrival order.
// A trailing fragment without a NUL is retained across calls and never
// delivered. onDone fires once, when the pipe reports completion or a
// read from it fails.
func (c *Connection) FrameFromRecv(ctx context.Context, deliver func(msg []byte), onDone func(error)) {
	for {
		res, err := c.recvR.Read(ctx)
		if err != nil {
			onDone(err)
			return
		}

		data := streampipe.Flatten(res.Buffer)
		start := 0
		for {
			idx := bytes.IndexByte(data[start:], 0)
			if idx < 0 {
				break
			}
			deliver(data[start : start+idx])
			start += idx + 1
		}

		if res.Completed {
			c.recvR.AdvanceTo(start, len(data))
			onDone(nil)
			return
		}
		c.recvR.AdvanceTo(start, len(data))
	}
}

// SendToSocket reads the send pipe and writes each segment to the socket
// in order until the pipe completes or the socket errors. onDone fires
// once.
func (c *Connection) SendToSocket(ctx context.Context, onDone func(error)) {
	for {
		res, err := c.sendR.Read(ctx)
		if err != nil {
			onDone(err)
			return
		}

		n := streampipe.TotalLen(res.Buffer)
		for _, seg := range res.Buffer {
			if len(seg) == 0 {
				continue
			}
			if _, werr := c.conn.Write(seg); werr != nil {
				onDone(errors.Wrap(werr, "netconn: send"))
				return
			}
		}
		if n > 0 {
			c.sendR.AdvanceTo(n, n)
		}
		if res.Completed {
			onDone(nil)
			return
		}
	}
}

// Send appends a NUL terminator to payload and queues it on the send
// pipe. The caller is responsible for enforcing the worker-thread
// restriction; Connection itself has no loop affinity.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	buf := c.sendW.GetWritableMemory(len(payload) + 1)
	n := copy(buf, payload)
	buf[n] = 0
	c.sendW.Advance(n + 1)
	_, err := c.sendW.Flush(ctx)
	return err
}

// ShutdownSocket half-closes the socket for reading and writing where
// the underlying net.Conn supports it (e.g. *net.TCPConn); otherwise it
// is a no-op, leaving Close to release the descriptor.
func (c *Connection) ShutdownSocket() {
	type reader interface{ CloseRead() error }
	type writer interface{ CloseWrite() error }
	if cr, ok := c.conn.(reader); ok {
		_ = cr.CloseRead()
	}
	if cw, ok := c.conn.(writer); ok {
		_ = cw.CloseWrite()
	}
}

// CompletePipes completes both halves of both the recv and send pipes,
// unblocking any in-flight Read/Flush.
func (c *Connection) CompletePipes() {
	c.recvW.Complete()
	c.recvR.Complete()
	c.sendW.Complete()
	c.sendR.Complete()
}

// CloseSocket closes the underlying socket.
func (c *Connection) CloseSocket() error {
	return c.conn.Close()
}
