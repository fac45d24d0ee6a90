package bufchain

import (
	"bytes"

	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/buf"
	F "github.com/sagernet/sing/common/format"
)

// Chain is an ordered queue of bytes, stored as the sequence of chunks it
// was added in. It backs the input and side-channel queues of a handle
// stream and the pending queue of an output worker, all of which append at
// the tail and consume from the head.
//
// A Chain is not safe for concurrent use.
type Chain struct {
	chunks []*buf.Buffer
	size   int
}

func New() *Chain {
	return &Chain{}
}

// Add appends a copy of data to the chain. Adding nothing is a no-op.
func (c *Chain) Add(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := buf.NewSize(len(data))
	common.Must(common.Error(chunk.Write(data)))
	c.chunks = append(c.chunks, chunk)
	c.size += len(data)
}

// Prefix returns the largest contiguous prefix of the chain, which is the
// unconsumed remainder of the oldest chunk. The returned slice is only
// valid until the next Consume or Clear.
func (c *Chain) Prefix() []byte {
	if len(c.chunks) == 0 {
		panic("bufchain: prefix of empty chain")
	}
	return c.chunks[0].Bytes()
}

// Consume drops n bytes from the head of the chain, n may span chunks.
func (c *Chain) Consume(n int) {
	if n > c.size {
		panic(F.ToString("bufchain: consume ", n, " of ", c.size, " buffered bytes"))
	}
	c.size -= n
	for n > 0 {
		chunk := c.chunks[0]
		if n < chunk.Len() {
			chunk.Advance(n)
			return
		}
		n -= chunk.Len()
		chunk.Release()
		c.chunks[0] = nil
		c.chunks = c.chunks[1:]
	}
}

// Fetch returns a copy of the first n buffered bytes without consuming
// them.
func (c *Chain) Fetch(n int) []byte {
	if n > c.size {
		panic(F.ToString("bufchain: fetch ", n, " of ", c.size, " buffered bytes"))
	}
	data := make([]byte, 0, n)
	for _, chunk := range c.chunks {
		if n <= 0 {
			break
		}
		content := chunk.Bytes()
		if len(content) > n {
			content = content[:n]
		}
		data = append(data, content...)
		n -= len(content)
	}
	return data
}

// Index returns the offset of the first occurrence of b, or -1 if b is not
// buffered.
func (c *Chain) Index(b byte) int {
	offset := 0
	for _, chunk := range c.chunks {
		if index := bytes.IndexByte(chunk.Bytes(), b); index >= 0 {
			return offset + index
		}
		offset += chunk.Len()
	}
	return -1
}

// Clear drops all buffered bytes and releases their storage.
func (c *Chain) Clear() {
	for index, chunk := range c.chunks {
		chunk.Release()
		c.chunks[index] = nil
	}
	c.chunks = c.chunks[:0]
	c.size = 0
}

func (c *Chain) Len() int {
	return c.size
}

func (c *Chain) IsEmpty() bool {
	return c.size == 0
}
