// Package transport provides the message channels that connect a
// dispatcher to an executor: an in-process pipe, a child process speaking
// over stdio, unix sockets, and vsock (native or through Firecracker's
// hybrid vsock UDS bridge).
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Transport kinds accepted by configuration.
const (
	KindPipe     = "pipe"
	KindProcess  = "process"
	KindUnix     = "unix"
	KindVsock    = "vsock"
	KindVsockUDS = "vsock-uds"
)

// DefaultVsockPort is the port the executor listens on inside a guest.
const DefaultVsockPort uint32 = 1024

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Pipe returns the two ends of an in-process channel. The first end belongs
// to the dispatcher, the second to the executor.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

// Dial connects to an executor listening on a stream socket (normally
// "unix"), retrying with exponential backoff while it starts up.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return retry(ctx, "dial "+network+" "+addr, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	})
}

// DialVsock connects to an executor listening on vsock port of the guest
// with context id cid.
func DialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	return retry(ctx, fmt.Sprintf("dial vsock %d:%d", cid, port), func(context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	})
}

// DialVsockUDS connects to an executor inside a Firecracker microVM through
// the host-side unix socket that Firecracker bridges to guest vsock.
func DialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	return retry(ctx, fmt.Sprintf("dial vsock uds %s:%d", udsPath, port), func(ctx context.Context) (net.Conn, error) {
		return dialVsockUDS(ctx, udsPath, port)
	})
}

func retry(ctx context.Context, what string, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", what, ctx.Err())
		default:
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", what, ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("%s after %d attempts: %w", what, dialMaxRetries, lastErr)
}

// dialVsockUDS performs Firecracker's hybrid vsock handshake: send
// "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for the life of the connection so bytes read
	// past the handshake line are not lost.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

// bufferedConn reads through a bufio.Reader that may already hold data.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Listen opens a stream listener for the executor side. A stale unix
// socket file at addr is removed first.
func Listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return l, nil
}

// ListenVsock opens a vsock listener on port for the executor side.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
	}
	return l, nil
}

// Stdio joins the process's standard input and output into one channel for
// an executor started by Spawn.
func Stdio() io.ReadWriteCloser {
	return &stdio{r: os.Stdin, w: os.Stdout}
}

type stdio struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s *stdio) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stdio) Close() error {
	rerr := s.r.Close()
	werr := s.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
