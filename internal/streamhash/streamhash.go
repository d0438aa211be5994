// Package streamhash wraps a byte stream with a digest that accumulates as
// the stream is read, without buffering any of it. The digest and total
// byte count become available only once the wrapped stream is fully drained.
package streamhash

import (
	"io"
	"sync"

	"github.com/quantarax/nixcache/internal/hashing"
)

// Result is a finalized digest and byte count.
type Result struct {
	Hash hashing.Hash
	Size int64
}

// Cell is a one-shot container for a Hasher's finalized Result. It is absent
// (Get returns ok=false) until the wrapped stream reaches EOF, at which
// point it is populated exactly once and stays readable forever after.
// A Cell may be shared across goroutines; a holder that only has the Cell
// (not the Hasher) can still poll it once another goroutine has drained the
// stream.
type Cell struct {
	once   sync.Once
	mu     sync.RWMutex
	result Result
	ready  bool
}

func (c *Cell) set(result Result) {
	c.once.Do(func() {
		c.mu.Lock()
		c.result = result
		c.ready = true
		c.mu.Unlock()
	})
}

// Get returns the finalized result and true if the stream has been fully
// drained, or a zero Result and false otherwise.
func (c *Cell) Get() (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result, c.ready
}

// Hasher tees reads from an underlying stream into a digest, re-emitting the
// bytes unchanged. It implements io.Reader.
type Hasher struct {
	r    io.Reader
	h    interface {
		io.Writer
		Sum(b []byte) []byte
	}
	alg  hashing.Algorithm
	size int64
	cell *Cell
}

// New wraps r with a digest of the given algorithm. The returned Hasher's
// Cell is populated once r has been read to io.EOF.
func New(r io.Reader, alg hashing.Algorithm) (*Hasher, error) {
	h, err := hashing.New(alg)
	if err != nil {
		return nil, err
	}
	return &Hasher{r: r, h: h, alg: alg, cell: &Cell{}}, nil
}

// Read implements io.Reader, hashing every byte it passes through.
func (s *Hasher) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.h.Write(p[:n])
		s.size += int64(n)
	}
	if err == io.EOF {
		s.cell.set(Result{
			Hash: hashing.Hash{Algorithm: s.alg, Digest: s.h.Sum(nil)},
			Size: s.size,
		})
	}
	return n, err
}

// Cell returns the shared one-shot result cell for this Hasher.
func (s *Hasher) Cell() *Cell {
	return s.cell
}

// Result returns the finalized result if the stream has been fully drained.
func (s *Hasher) Result() (Result, bool) {
	return s.cell.Get()
}

// Drain reads r to completion through a Hasher and returns the result. It is
// a convenience for callers that only want the digest, discarding bytes.
func Drain(r io.Reader, alg hashing.Algorithm) (Result, error) {
	h, err := New(r, alg)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(io.Discard, h); err != nil {
		return Result{}, err
	}
	result, _ := h.Result()
	return result, nil
}
