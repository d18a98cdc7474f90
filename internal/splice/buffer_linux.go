//go:build linux

package splice

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// pipeCapacity is the size each pooled pipe is grown to via F_SETPIPE_SZ,
// matching the 256KB figure that performs well for bulk TCP forwarding.
const pipeCapacity = 256 * 1024

type pipePair struct {
	r, w int
}

// Pool is a free-list of kernel pipes shared across connections. Pipes are
// created lazily and returned for reuse when drained; a pipe that was left
// in an unknown state (error mid-transfer) is closed instead of reused.
type Pool struct {
	mu   sync.Mutex
	free []*pipePair
}

// NewPool creates an empty pipe pool.
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) get() (*pipePair, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pp := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return pp, nil
	}
	p.mu.Unlock()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETPIPE_SZ, pipeCapacity); err != nil {
		// Not fatal: the pipe still works at its default capacity, just
		// with more splice calls per byte moved.
	}
	return &pipePair{r: fds[0], w: fds[1]}, nil
}

// put returns pp to the free list if reusable is true (the caller asserts
// the pipe is empty), otherwise closes both ends.
func (p *Pool) put(pp *pipePair, reusable bool) {
	if !reusable {
		unix.Close(pp.r)
		unix.Close(pp.w)
		return
	}
	p.mu.Lock()
	p.free = append(p.free, pp)
	p.mu.Unlock()
}

// Buffer holds at most one pipe pair while bytes are in flight between a
// source and destination TCP connection.
type Buffer struct {
	pool *Pool
	pp   *pipePair
	size int

	ReceivedBytes int64
	SentBytes     int64
}

// NewBuffer creates a Buffer that leases pipes from pool on demand.
func NewBuffer(pool *Pool) *Buffer {
	return &Buffer{pool: pool}
}

// ReceiveFrom moves bytes from src's socket into the buffer's pipe.
func (b *Buffer) ReceiveFrom(src net.Conn) (Outcome, error) {
	if b.size >= pipeCapacity {
		return PipeFull, nil
	}

	tc, ok := src.(*net.TCPConn)
	if !ok {
		return Error, errors.New("splice: source is not a TCP connection")
	}
	if b.pp == nil {
		pp, err := b.pool.get()
		if err != nil {
			return Error, err
		}
		b.pp = pp
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return Error, err
	}

	want := pipeCapacity - b.size
	var n int
	var serr error
	cerr := raw.Read(func(fd uintptr) bool {
		got, e := unix.Splice(int(fd), nil, b.pp.w, nil, want, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if e != nil {
			if e == unix.EAGAIN {
				return false
			}
			serr = e
			return true
		}
		n = int(got)
		return true
	})

	if cerr != nil {
		if errors.Is(cerr, os.ErrDeadlineExceeded) {
			return SocketBlocking, nil
		}
		return Error, cerr
	}
	if serr != nil {
		return Error, serr
	}
	if n == 0 {
		if b.size == 0 {
			b.pool.put(b.pp, true)
			b.pp = nil
		}
		return SocketClosed, nil
	}

	b.size += n
	b.ReceivedBytes += int64(n)
	return OK, nil
}

// SendTo moves buffered bytes out to dst's socket. Precondition: size > 0.
func (b *Buffer) SendTo(dst net.Conn) (Outcome, error) {
	if b.size == 0 {
		return Error, errors.New("splice: SendTo called on an empty buffer")
	}

	tc, ok := dst.(*net.TCPConn)
	if !ok {
		return Error, errors.New("splice: destination is not a TCP connection")
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return Error, err
	}

	remaining := b.size
	var sent int
	var serr error
	cerr := raw.Write(func(fd uintptr) bool {
		for remaining > 0 {
			n, e := unix.Splice(b.pp.r, nil, int(fd), nil, remaining, unix.SPLICE_F_MOVE|unix.SPLICE_F_MORE)
			if e != nil {
				if e == unix.EAGAIN {
					return false
				}
				serr = e
				return true
			}
			if n == 0 {
				serr = io.ErrClosedPipe
				return true
			}
			remaining -= int(n)
			sent += int(n)
		}
		return true
	})

	b.size -= sent
	b.SentBytes += int64(sent)

	if cerr != nil {
		if errors.Is(cerr, os.ErrDeadlineExceeded) {
			if b.size == 0 {
				b.pool.put(b.pp, true)
				b.pp = nil
				return OK, nil
			}
			return Partial, nil
		}
		return Error, cerr
	}
	if serr != nil {
		return Error, serr
	}
	if b.size == 0 {
		b.pool.put(b.pp, true)
		b.pp = nil
		return OK, nil
	}
	return Partial, nil
}

// Close releases any pipe held by the buffer: an empty pipe goes back to
// the pool for reuse, one still holding bytes is closed.
func (b *Buffer) Close() {
	if b.pp != nil {
		b.pool.put(b.pp, b.size == 0)
		b.pp = nil
		b.size = 0
	}
}

// Size reports bytes currently buffered in the pipe.
func (b *Buffer) Size() int { return b.size }
