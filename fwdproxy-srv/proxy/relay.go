package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"golang.org/x/sync/errgroup"
)

// relay writes initial to upstream and then copies bytes in both
// directions through buffers from pool until either side closes. Both
// connections are closed when relay returns, except when writing initial
// fails: then only upstream is closed and the client stays open so the
// caller can answer it.
func relay(ctx context.Context, client, upstream net.Conn, initial []byte, pool *bufferPool) error {
	if len(initial) > 0 {
		if _, err := writeFull(upstream, initial); err != nil {
			_ = upstream.Close()
			return NewProxyError(ErrCodeForwardFailed, err)
		}
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			if err := client.Close(); err != nil && !isBenignCloseError(err) {
				logger.Error("Error closing client connection: %v", err)
			}
			if err := upstream.Close(); err != nil && !isBenignCloseError(err) {
				logger.Error("Error closing upstream connection: %v", err)
			}
		})
	}
	defer closeBoth()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	pipe := func(dst, src net.Conn, direction string) func() error {
		return func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Recovered from panic in relay %s: %v\n%s", direction, r, debug.Stack())
					closeBoth()
					err = NewProxyError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
				}
			}()

			n, err := pool.copyBuffer(dst, src)
			logger.Trace("Relay %s finished after %d bytes", direction, n)
			// the first direction to finish tears down the session
			closeBoth()
			if err != nil && !isBenignCloseError(err) {
				return NewProxyError(ErrCodeRelayFailed, err)
			}
			return nil
		}
	}

	g.Go(pipe(upstream, client, "client->upstream"))
	g.Go(pipe(client, upstream, "upstream->client"))

	return g.Wait()
}

// isBenignCloseError reports errors that only mean the other side or the
// relay itself already closed the stream.
func isBenignCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		isPeerReset(err)
}
