package packet

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPacket(id uint64, size int) *Packet {
	return &Packet{ID: id, Payload: make([]byte, size), SampleRate: 44100, Samples: 1152}
}

func residentBytes(q *Queue) int64 {
	var total int64
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.slots {
		if p != nil {
			total += int64(p.Size())
		}
	}
	return total
}

func TestQueueOrdering(t *testing.T) {
	t.Run("in order arrival", func(t *testing.T) {
		q := NewQueue(0)
		for i := uint64(0); i < 10; i++ {
			require.NoError(t, q.Push(newPacket(i, 100)))
		}

		var ids []uint64
		for {
			p, ok := q.Next()
			if !ok {
				break
			}
			ids = append(ids, p.ID)
		}
		require.Len(t, ids, 10)
		for i, id := range ids {
			assert.Equal(t, uint64(i), id)
		}
	})

	t.Run("out of order arrival resolves links lazily", func(t *testing.T) {
		q := NewQueue(0)
		order := rand.New(rand.NewSource(1)).Perm(50)

		var seen []uint64
		for _, i := range order {
			require.NoError(t, q.Push(newPacket(uint64(i), 10)))
			for {
				p, ok := q.Next()
				if !ok {
					break
				}
				seen = append(seen, p.ID)
			}
		}

		require.Len(t, seen, 50)
		for i := 1; i < len(seen); i++ {
			assert.Equal(t, seen[i-1]+1, seen[i])
		}
	})

	t.Run("walk stops at a gap", func(t *testing.T) {
		q := NewQueue(5)
		require.NoError(t, q.Push(newPacket(5, 1)))
		require.NoError(t, q.Push(newPacket(6, 1)))
		require.NoError(t, q.Push(newPacket(8, 1)))

		var ids []uint64
		q.Walk(func(p *Packet) bool {
			ids = append(ids, p.ID)
			return true
		})
		assert.Equal(t, []uint64{5, 6}, ids)
		assert.Equal(t, 2, q.Pending())
		assert.Equal(t, uint64(9), q.NextID())
	})

	t.Run("rejects stale and duplicate identifiers", func(t *testing.T) {
		q := NewQueue(3)
		assert.ErrorIs(t, q.Push(newPacket(2, 1)), ErrStale)
		require.NoError(t, q.Push(newPacket(3, 1)))
		assert.ErrorIs(t, q.Push(newPacket(3, 1)), ErrDuplicate)
	})
}

func TestQueueEviction(t *testing.T) {
	q := NewQueue(0)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, q.Push(newPacket(i, int(i)+1)))
	}
	assert.Equal(t, residentBytes(q), q.CachedBytes())

	// Hand out ten packets and release all but the fourth.
	for i := 0; i < 10; i++ {
		p, ok := q.Next()
		require.True(t, ok)
		if p.ID != 3 {
			q.Release(p.ID)
		}
	}

	n, _ := q.Evict()
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), q.Head())
	assert.Equal(t, residentBytes(q), q.CachedBytes())

	q.Release(3)
	n, _ = q.Evict()
	assert.Equal(t, 7, n)
	assert.Equal(t, q.Play(), q.Head())
	assert.Equal(t, 10, q.Resident())
	assert.Equal(t, residentBytes(q), q.CachedBytes())

	// Nothing at or after the play cursor is ever evicted.
	n, _ = q.Evict()
	assert.Zero(t, n)
	assert.True(t, q.Contains(q.Play()))
}

func TestQueueTrim(t *testing.T) {
	q := NewQueue(0)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, q.Push(newPacket(i, 100)))
	}
	for i := 0; i < 8; i++ {
		p, ok := q.Next()
		require.True(t, ok)
		q.Release(p.ID)
	}

	n, bytes := q.Trim(550)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(500), bytes)
	assert.Equal(t, int64(500), q.CachedBytes())
	assert.Equal(t, uint64(5), q.Head())

	// The play cursor still bounds a trim below the cap.
	n, _ = q.Trim(0)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(8), q.Head())
	assert.Equal(t, 2, q.Pending())
}

func TestQueueEvictionRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	q := NewQueue(0)
	next := uint64(0)

	for round := 0; round < 500; round++ {
		switch r.Intn(3) {
		case 0:
			require.NoError(t, q.Push(newPacket(next, r.Intn(500)+1)))
			next++
		case 1:
			if p, ok := q.Next(); ok {
				if r.Intn(2) == 0 {
					q.Release(p.ID)
				}
			}
		case 2:
			play := q.Play()
			q.Evict()
			assert.LessOrEqual(t, q.Head(), play)
			if play < next {
				assert.True(t, q.Contains(play))
			}
		}
		require.Equal(t, residentBytes(q), q.CachedBytes())
	}
}

func TestQueueSeekAndRewind(t *testing.T) {
	q := NewQueue(0)
	for i := uint64(0); i < 40; i++ {
		require.NoError(t, q.Push(newPacket(i, 10)))
	}

	assert.True(t, q.Seek(25))
	assert.Equal(t, uint64(25), q.Play())
	assert.False(t, q.Seek(40))
	assert.Equal(t, uint64(25), q.Play())

	assert.True(t, q.Rewind(10, 16))
	assert.Equal(t, uint64(15), q.Play())

	// Only fifteen packets sit behind the cursor.
	assert.False(t, q.Rewind(16, 0))
	// Rewinding 30 of 40 leaves fewer than the margin.
	assert.True(t, q.Seek(35))
	assert.False(t, q.Rewind(30, 16))
	assert.False(t, q.Rewind(0, 0))

	q.Reset(100)
	assert.Zero(t, q.Resident())
	assert.Zero(t, q.CachedBytes())
	assert.Equal(t, uint64(100), q.Play())
	assert.False(t, q.HasNext())
}

func TestPacketDuration(t *testing.T) {
	p := &Packet{SampleRate: 48000, Samples: 1152}
	assert.Equal(t, 24*time.Millisecond, p.Duration())
	assert.Zero(t, (&Packet{}).Duration())
}
