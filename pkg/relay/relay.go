// Package relay provides the bidirectional byte pump between a client and
// an upstream connection. It guarantees that when either peer closes or
// resets, both sockets are released and neither pump stays blocked in a
// read that can never complete.
package relay

import (
	"io"
	"net"
	"sync"

	"github.com/opd-ai/gatekeeper/pkg/logger"
)

// DefaultBufferSize is the per-direction copy buffer size
const DefaultBufferSize = 8192

// Result reports what a finished relay moved and how it ended
type Result struct {
	// ClientToUpstream is the byte count pumped from client to upstream
	ClientToUpstream int64
	// UpstreamToClient is the byte count pumped from upstream to client
	UpstreamToClient int64
	// Err is the first hard error observed; nil when both directions
	// ended with a clean EOF
	Err error
}

// Faulted reports whether the relay ended on a hard error rather than a
// clean half-close from both peers.
func (r Result) Faulted() bool {
	return r.Err != nil
}

// closeWriter is the write-half shutdown surface of *net.TCPConn
type closeWriter interface {
	CloseWrite() error
}

// Pipe splices bytes between client and upstream until both directions
// finish, then closes both connections. It owns the connections for its
// lifetime. A direction that reads EOF shuts down the write half of the
// opposite socket and exits; a direction that hits a hard error (reset,
// broken pipe, supervisor close) closes both sockets outright so the
// peer pump's blocked syscall returns.
func Pipe(client, upstream net.Conn, bufferSize int, log *logger.Logger) Result {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	var res Result
	var once sync.Once
	fault := func(err error) {
		once.Do(func() { res.Err = err })
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := pump(upstream, client, bufferSize)
		res.ClientToUpstream = n
		if err != nil {
			fault(err)
		}
	}()
	go func() {
		defer wg.Done()
		n, err := pump(client, upstream, bufferSize)
		res.UpstreamToClient = n
		if err != nil {
			fault(err)
		}
	}()
	wg.Wait()

	// Both pumps have returned; release whatever the error paths left open.
	client.Close()
	upstream.Close()

	if res.Err != nil {
		log.Debug("relay ended on error",
			"error", res.Err,
			"client_to_upstream", res.ClientToUpstream,
			"upstream_to_client", res.UpstreamToClient)
	} else {
		log.Debug("relay drained",
			"client_to_upstream", res.ClientToUpstream,
			"upstream_to_client", res.UpstreamToClient)
	}
	return res
}

// pump copies src to dst until EOF or error. EOF propagates the
// end-of-stream to the peer via a write-half shutdown; any error tears
// down both sockets, which cancels the sibling pump.
func pump(dst, src net.Conn, bufferSize int) (int64, error) {
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err == nil {
		closeWrite(dst)
		return n, nil
	}
	src.Close()
	dst.Close()
	return n, err
}

// closeWrite shuts down the write half when the transport supports it,
// otherwise falls back to a full close
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}
