package runner

import (
	"bytes"
	"sync"
)

// limitedBuffer keeps the first limit bytes written and counts the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated == 0 {
		return b.buf.String()
	}
	return b.buf.String() + "\n[truncated]"
}
