package ubatcher

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/godzie44/go-uring/uring"
)

// Entry is one operation waiting to be queued on the ring.
type Entry struct {
	operation uring.Operation
	cb        Callback
}

var entryPool = sync.Pool{
	New: func() any { return new(Entry) },
}

func acquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

func releaseEntry(e *Entry) {
	*e = Entry{}
	entryPool.Put(e)
}

// Buffer collects entries between two submissions, oldest first.
type Buffer struct {
	mut sync.Mutex
	q   *queue.Queue
}

func NewBuffer() *Buffer {
	return &Buffer{q: queue.New()}
}

func (b *Buffer) Put(e *Entry) {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.q.Add(e)
}

func (b *Buffer) Size() int {
	b.mut.Lock()
	defer b.mut.Unlock()

	return b.q.Length()
}

// GetAll drains the buffer in insertion order.
func (b *Buffer) GetAll() []*Entry {
	b.mut.Lock()
	defer b.mut.Unlock()

	n := b.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]*Entry, 0, n)
	for b.q.Length() > 0 {
		out = append(out, b.q.Remove().(*Entry))
	}
	return out
}
