package packet

import (
	"errors"
	"sync"
)

var (
	ErrStale     = errors.New("packet identifier precedes queue head")
	ErrDuplicate = errors.New("packet identifier already queued")
)

// Queue is an arena of packets indexed by identifier. Slot i holds the packet
// with identifier base+i, so following a packet to its successor is an index
// lookup. A nil slot is a packet that has not arrived yet; the play cursor
// never crosses one.
//
// Three cursors share the arena: the head (base), the tail (last slot) and
// the play cursor. Packets handed to the decoder stay in the in-flight set
// until released, and eviction never passes the oldest of them nor the play
// cursor.
type Queue struct {
	mu sync.Mutex

	base  uint64
	slots []*Packet
	play  uint64

	inFlight map[uint64]struct{}

	resident    int
	cachedBytes int64
}

// NewQueue returns an empty queue whose first expected identifier is first.
func NewQueue(first uint64) *Queue {
	return &Queue{
		base:     first,
		play:     first,
		inFlight: make(map[uint64]struct{}),
	}
}

// Push stores p in the slot for its identifier. Packets may arrive out of
// order; gaps stay empty until filled.
func (q *Queue) Push(p *Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p.ID < q.base {
		return ErrStale
	}

	idx := int(p.ID - q.base)
	for len(q.slots) <= idx {
		q.slots = append(q.slots, nil)
	}
	if q.slots[idx] != nil {
		return ErrDuplicate
	}

	q.slots[idx] = p
	q.resident++
	q.cachedBytes += int64(p.Size())

	return nil
}

// Next hands the packet under the play cursor to the caller, marks it in
// flight and advances the cursor. It reports false when the cursor sits on
// an empty slot or past the tail.
func (q *Queue) Next() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.slotLocked(q.play)
	if p == nil {
		return nil, false
	}

	q.inFlight[p.ID] = struct{}{}
	q.play++

	return p, true
}

// HasNext reports whether Next would return a packet.
func (q *Queue) HasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.slotLocked(q.play) != nil
}

// Release removes id from the in-flight set once the decoder is done with it.
func (q *Queue) Release(id uint64) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

// Evict frees packets from the head up to, but not including, the play
// cursor or the oldest in-flight packet, whichever comes first.
func (q *Queue) Evict() (int, int64) {
	return q.Trim(0)
}

// Trim evicts like Evict but stops once no more than maxBytes of payload
// remain resident.
func (q *Queue) Trim(maxBytes int64) (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.play
	for id := range q.inFlight {
		if id < limit {
			limit = id
		}
	}

	var (
		n     int
		bytes int64
	)
	for q.base < limit && len(q.slots) > 0 && q.cachedBytes > maxBytes {
		if p := q.slots[0]; p != nil {
			n++
			bytes += int64(p.Size())
			q.resident--
			q.cachedBytes -= int64(p.Size())
		}
		q.slots[0] = nil
		q.slots = q.slots[1:]
		q.base++
	}

	if len(q.slots) == 0 {
		// Release the drained backing array; the next Push allocates afresh.
		q.slots = q.slots[:0:0]
	}

	return n, bytes
}

// Seek moves the play cursor to id if that packet is resident.
func (q *Queue) Seek(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.slotLocked(id) == nil {
		return false
	}
	q.play = id

	return true
}

// Rewind moves the play cursor back n packets. It refuses when fewer than n
// packets sit behind the cursor, or when fewer than margin packets would
// remain resident beyond the rewind.
func (q *Queue) Rewind(n, margin int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return false
	}
	if uint64(n) > q.play-q.base {
		return false
	}
	if q.resident-n < margin {
		return false
	}
	q.play -= uint64(n)

	return true
}

// Reset drops every packet and restarts identifiers at first.
func (q *Queue) Reset(first uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.base = first
	q.play = first
	q.slots = nil
	q.inFlight = make(map[uint64]struct{})
	q.resident = 0
	q.cachedBytes = 0
}

// Contains reports whether the packet with id is resident.
func (q *Queue) Contains(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.slotLocked(id) != nil
}

// NextID is the identifier following the tail.
func (q *Queue) NextID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.base + uint64(len(q.slots))
}

// Head is the identifier of the oldest retained slot.
func (q *Queue) Head() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.base
}

// Play is the identifier under the play cursor.
func (q *Queue) Play() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.play
}

// CachedBytes is the sum of resident payload sizes.
func (q *Queue) CachedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cachedBytes
}

// Resident is the number of packets held by the arena.
func (q *Queue) Resident() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.resident
}

// Pending counts packets reachable from the play cursor without crossing a
// gap.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id := q.play; q.slotLocked(id) != nil; id++ {
		n++
	}

	return n
}

// InFlight is the number of packets handed out and not yet released.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.inFlight)
}

// Walk calls fn for every resident packet from the head, following
// successor links, and stops at the first gap or when fn returns false.
func (q *Queue) Walk(fn func(*Packet) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id := q.base; ; id++ {
		p := q.slotLocked(id)
		if p == nil || !fn(p) {
			return
		}
	}
}

func (q *Queue) slotLocked(id uint64) *Packet {
	if id < q.base {
		return nil
	}
	idx := id - q.base
	if idx >= uint64(len(q.slots)) {
		return nil
	}

	return q.slots[idx]
}
