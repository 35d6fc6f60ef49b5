// Package batch bounds network chatter by accumulating location samples
// until a flush threshold is reached. Pure buffer: no I/O, no goroutines.
package batch

import (
	"sync"

	"walksync/internal/walk"
)

type Batcher struct {
	mu        sync.Mutex
	threshold int
	buf       []walk.Sample
}

func New(threshold int) *Batcher {
	if threshold <= 0 {
		threshold = 10
	}
	return &Batcher{threshold: threshold}
}

// Append buffers a sample and reports whether the batch is ready to flush.
// Callers validate samples before appending; nothing is dropped here.
func (b *Batcher) Append(s walk.Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, s)
	return len(b.buf) >= b.threshold
}

// Flush returns every buffered sample in append order and clears the buffer.
func (b *Batcher) Flush() []walk.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
