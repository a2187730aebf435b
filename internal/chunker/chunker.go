// Package chunker cuts a byte stream into content-defined chunks using a
// buzhash rolling hash. Chunk boundaries depend only on the bytes inside a
// small sliding window, so identical content produces identical chunks even
// when its position in the stream shifts.
package chunker

import (
	"crypto/sha512"
	"io"
	"math/bits"

	"golang.org/x/xerrors"
)

// Default chunk size bounds, in bytes. The average must be a power of two,
// since the boundary test masks the rolling hash with avg-1.
const (
	DefaultSizeMin = 16 * 1024
	DefaultSizeAvg = 64 * 1024
	DefaultSizeMax = 256 * 1024

	windowSize = 48
)

// A Chunk is one content-defined slice of the stream. Digest is the
// SHA-512/256 of Data, which doubles as the chunk's name in a store.
type Chunk struct {
	Offset uint64
	Data   []byte
	Digest [32]byte
}

type Chunker struct {
	r             io.Reader
	min, avg, max int
	mask          uint32

	pending []byte
	scratch []byte
	offset  uint64
	eof     bool
}

// New returns a Chunker over r with the default size bounds.
func New(r io.Reader) *Chunker {
	c, err := NewSizes(r, DefaultSizeMin, DefaultSizeAvg, DefaultSizeMax)
	if err != nil {
		// The default bounds are valid by construction.
		panic(err)
	}
	return c
}

// NewSizes returns a Chunker producing chunks of min ≤ len ≤ max bytes
// (except for a shorter final chunk), targeting avg on average.
func NewSizes(r io.Reader, min, avg, max int) (*Chunker, error) {
	if min < windowSize || min > avg || avg > max {
		return nil, xerrors.Errorf("invalid chunk size bounds %d/%d/%d", min, avg, max)
	}
	if avg&(avg-1) != 0 {
		return nil, xerrors.Errorf("average chunk size %d is not a power of two", avg)
	}
	return &Chunker{
		r:       r,
		min:     min,
		avg:     avg,
		max:     max,
		mask:    uint32(avg - 1),
		scratch: make([]byte, 64*1024),
	}, nil
}

// Next returns the next chunk, or io.EOF after the last one. The returned
// Data is owned by the caller.
func (c *Chunker) Next() (Chunk, error) {
	if err := c.fill(); err != nil {
		return Chunk{}, err
	}
	if len(c.pending) == 0 {
		return Chunk{}, io.EOF
	}

	cut := c.cut()
	data := make([]byte, cut)
	copy(data, c.pending[:cut])
	c.pending = c.pending[:copy(c.pending, c.pending[cut:])]

	chunk := Chunk{
		Offset: c.offset,
		Data:   data,
		Digest: sha512.Sum512_256(data),
	}
	c.offset += uint64(cut)
	return chunk, nil
}

// fill reads from the underlying reader until at least max bytes are
// buffered or the reader is exhausted. The last read may overshoot max.
func (c *Chunker) fill() error {
	for !c.eof && len(c.pending) < c.max {
		n, err := c.r.Read(c.scratch)
		c.pending = append(c.pending, c.scratch[:n]...)
		if err == io.EOF {
			c.eof = true
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// cut finds the boundary for the buffered bytes: the first position at or
// past min where the windowed hash discriminates, else whatever is buffered
// up to max (a full max-sized chunk, or the final remainder).
func (c *Chunker) cut() int {
	n := len(c.pending)
	if n > c.max {
		n = c.max
	}
	if n <= c.min {
		return n
	}
	var h uint32
	for i := c.min - windowSize; i < c.min; i++ {
		h = bits.RotateLeft32(h, 1) ^ hashTable[c.pending[i]]
	}
	for i := c.min; i < n; i++ {
		if h&c.mask == c.mask {
			return i
		}
		h = bits.RotateLeft32(h, 1) ^
			bits.RotateLeft32(hashTable[c.pending[i-windowSize]], windowSize%32) ^
			hashTable[c.pending[i]]
	}
	return n
}

// hashTable maps each byte value to a fixed pseudo-random word. Generated
// with splitmix64 from a fixed seed so that chunk boundaries are stable
// across builds and platforms.
var hashTable = func() (t [256]uint32) {
	x := uint64(0x2545f4914f6cdd1d)
	for i := range t {
		x += 0x9e3779b97f4a7c15
		z := x
		z ^= z >> 30
		z *= 0xbf58476d1ce4e5b9
		z ^= z >> 27
		z *= 0x94d049bb133111eb
		z ^= z >> 31
		t[i] = uint32(z >> 32)
	}
	return t
}()
