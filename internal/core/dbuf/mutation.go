package dbuf

import (
	"sync"

	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/pkg/generic"
)

// Kind selects which record table a handle or mutation refers to.
type Kind uint8

const (
	KindEntity Kind = iota
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Record is one deferred write. A nil Data with a non-zero Length zeroes
// the range.
type Record struct {
	Seq    uint64
	Kind   Kind
	ID     entity.ID
	Offset int
	Length int
	Data   []byte
}

// Queue collects deferred writes from any number of producers. Records are
// numbered in enqueue order and drained in that order.
type Queue struct {
	mu      sync.Mutex
	seq     uint64
	records []Record
	spare   []Record
	pool    *generic.BytePool
}

func NewQueue(pool *generic.BytePool) *Queue {
	if pool == nil {
		pool = generic.NewBytePool()
	}
	return &Queue{pool: pool}
}

// Push queues a private copy of data and returns its sequence number.
func (q *Queue) Push(kind Kind, id entity.ID, offset int, data []byte) uint64 {
	buf := q.pool.Get(len(data))
	copy(buf, data)
	return q.push(Record{Kind: kind, ID: id, Offset: offset, Length: len(data), Data: buf})
}

// PushClear queues a zero fill of length bytes.
func (q *Queue) PushClear(kind Kind, id entity.ID, offset, length int) uint64 {
	return q.push(Record{Kind: kind, ID: id, Offset: offset, Length: length})
}

func (q *Queue) push(r Record) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	r.Seq = q.seq
	q.records = append(q.records, r)
	return r.Seq
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Drain hands every queued record to apply in sequence order, then returns
// the payloads to the pool. Records pushed while draining wait for the next
// Drain. It returns the number of records applied.
func (q *Queue) Drain(apply func(Record)) int {
	q.mu.Lock()
	records := q.records
	q.records = q.spare[:0]
	q.spare = nil
	q.mu.Unlock()

	for _, r := range records {
		apply(r)
		if r.Data != nil {
			q.pool.Put(r.Data)
		}
	}

	clear(records)
	q.mu.Lock()
	if q.spare == nil {
		q.spare = records[:0]
	}
	q.mu.Unlock()
	return len(records)
}

// Reset drops every queued record without applying it.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.records {
		if r.Data != nil {
			q.pool.Put(r.Data)
		}
	}
	clear(q.records)
	q.records = q.records[:0]
	q.seq = 0
}
