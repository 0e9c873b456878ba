package proxy

import (
	"io"
	"sync"
)

// DefaultBufferSize is the per-direction relay buffer (4KB)
const DefaultBufferSize = 4096

// bufferPool hands out fixed-size byte slices for the relay loops.
// This reduces GC pressure by reusing buffers across sessions.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

var defaultBufferPool = newBufferPool(DefaultBufferSize)

// get retrieves a buffer from the pool.
// The caller must return the buffer using put when done.
func (bp *bufferPool) get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) put(buf *[]byte) {
	if buf != nil && len(*buf) == bp.size {
		bp.pool.Put(buf)
	}
}

// copyBuffer copies from src to dst through a pooled buffer until src
// returns io.EOF or an error. Short writes are retried until the chunk is
// fully written.
func (bp *bufferPool) copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := bp.get()
	defer bp.put(buf)

	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := writeFull(dst, (*buf)[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

func writeFull(dst io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := dst.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
