// Package timesync pairs messages from two independently stamped streams whose stamps are close
// enough to describe the same moment.
package timesync

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Defaults used by the tracker when nothing is configured.
const (
	DefaultQueueSize = 100
	DefaultSlop      = 100 * time.Millisecond
)

// Options configures a Synchronizer.
type Options struct {
	// QueueSize bounds how many unmatched messages are kept per stream.
	QueueSize int
	// Slop is the largest stamp difference that still counts as a match.
	Slop time.Duration
}

// Stats are running totals since the synchronizer was created.
type Stats struct {
	ReceivedA int64 `json:"received_a"`
	ReceivedB int64 `json:"received_b"`
	Paired    int64 `json:"paired"`
	// Evicted counts messages pushed out of a full queue.
	Evicted int64 `json:"evicted"`
	// Discarded counts unmatched messages dropped because a newer pair was emitted.
	Discarded int64 `json:"discarded"`
	PendingA  int   `json:"pending_a"`
	PendingB  int   `json:"pending_b"`
}

type entry[T any] struct {
	stamp time.Time
	msg   T
}

// Synchronizer buffers two streams and calls its callback once for every matched pair. Adding a
// message never blocks on the callback's consumer; unmatched messages age out of the bounded
// queues instead.
type Synchronizer[A, B any] struct {
	opts   Options
	stampA func(A) time.Time
	stampB func(B) time.Time
	onPair func(A, B)

	mu     sync.Mutex
	queueA []entry[A]
	queueB []entry[B]

	receivedA *atomic.Int64
	receivedB *atomic.Int64
	paired    *atomic.Int64
	evicted   *atomic.Int64
	discarded *atomic.Int64
}

// NewSynchronizer returns a synchronizer that stamps messages with the given functions and calls
// onPair for each match. onPair runs on the goroutine that added the completing message.
func NewSynchronizer[A, B any](
	opts Options,
	stampA func(A) time.Time,
	stampB func(B) time.Time,
	onPair func(A, B),
) (*Synchronizer[A, B], error) {
	if opts.QueueSize <= 0 {
		return nil, errors.Errorf("queue size must be positive, got %d", opts.QueueSize)
	}
	if opts.Slop < 0 {
		return nil, errors.Errorf("slop must not be negative, got %s", opts.Slop)
	}
	if stampA == nil || stampB == nil || onPair == nil {
		return nil, errors.New("stamp functions and pair callback are required")
	}
	return &Synchronizer[A, B]{
		opts:      opts,
		stampA:    stampA,
		stampB:    stampB,
		onPair:    onPair,
		receivedA: atomic.NewInt64(0),
		receivedB: atomic.NewInt64(0),
		paired:    atomic.NewInt64(0),
		evicted:   atomic.NewInt64(0),
		discarded: atomic.NewInt64(0),
	}, nil
}

// AddA adds a message to the first stream and reports whether it completed a pair.
func (s *Synchronizer[A, B]) AddA(msg A) bool {
	s.receivedA.Inc()
	stamp := s.stampA(msg)

	s.mu.Lock()
	idx, ok := closest(s.queueB, stamp, s.opts.Slop)
	if !ok {
		s.queueA = insert(s.queueA, entry[A]{stamp, msg}, s.opts.QueueSize, s.evicted)
		s.mu.Unlock()
		return false
	}
	match := s.queueB[idx]
	s.queueB = dropThrough(s.queueB, idx, s.discarded)
	s.queueA = dropOlder(s.queueA, stamp, s.discarded)
	s.mu.Unlock()

	s.paired.Inc()
	s.onPair(msg, match.msg)
	return true
}

// AddB adds a message to the second stream and reports whether it completed a pair.
func (s *Synchronizer[A, B]) AddB(msg B) bool {
	s.receivedB.Inc()
	stamp := s.stampB(msg)

	s.mu.Lock()
	idx, ok := closest(s.queueA, stamp, s.opts.Slop)
	if !ok {
		s.queueB = insert(s.queueB, entry[B]{stamp, msg}, s.opts.QueueSize, s.evicted)
		s.mu.Unlock()
		return false
	}
	match := s.queueA[idx]
	s.queueA = dropThrough(s.queueA, idx, s.discarded)
	s.queueB = dropOlder(s.queueB, stamp, s.discarded)
	s.mu.Unlock()

	s.paired.Inc()
	s.onPair(match.msg, msg)
	return true
}

// Stats returns the running totals.
func (s *Synchronizer[A, B]) Stats() Stats {
	s.mu.Lock()
	pendingA, pendingB := len(s.queueA), len(s.queueB)
	s.mu.Unlock()
	return Stats{
		ReceivedA: s.receivedA.Load(),
		ReceivedB: s.receivedB.Load(),
		Paired:    s.paired.Load(),
		Evicted:   s.evicted.Load(),
		Discarded: s.discarded.Load(),
		PendingA:  pendingA,
		PendingB:  pendingB,
	}
}

// Reset drops everything buffered.
func (s *Synchronizer[A, B]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueA = nil
	s.queueB = nil
}

// closest finds the entry whose stamp is nearest to `stamp`, within slop. Ties go to the older
// entry.
func closest[T any](queue []entry[T], stamp time.Time, slop time.Duration) (int, bool) {
	best := -1
	var bestDelta time.Duration
	for i, e := range queue {
		delta := e.stamp.Sub(stamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > slop {
			continue
		}
		if best == -1 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best, best != -1
}

// insert keeps the queue sorted by stamp. A message with the same stamp as a queued one replaces
// it. The oldest entries are evicted past capacity.
func insert[T any](queue []entry[T], e entry[T], capacity int, evicted *atomic.Int64) []entry[T] {
	idx := sort.Search(len(queue), func(i int) bool {
		return !queue[i].stamp.Before(e.stamp)
	})
	if idx < len(queue) && queue[idx].stamp.Equal(e.stamp) {
		queue[idx] = e
		return queue
	}
	queue = append(queue, entry[T]{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = e

	overflow := len(queue) - capacity
	if overflow <= 0 {
		return queue
	}
	evicted.Add(int64(overflow))
	return append(queue[:0], queue[overflow:]...)
}

// dropThrough removes the matched entry and everything older than it.
func dropThrough[T any](queue []entry[T], idx int, discarded *atomic.Int64) []entry[T] {
	discarded.Add(int64(idx))
	return append(queue[:0], queue[idx+1:]...)
}

// dropOlder removes entries stamped at or before `stamp`.
func dropOlder[T any](queue []entry[T], stamp time.Time, discarded *atomic.Int64) []entry[T] {
	idx := sort.Search(len(queue), func(i int) bool {
		return queue[i].stamp.After(stamp)
	})
	discarded.Add(int64(idx))
	return append(queue[:0], queue[idx:]...)
}
