package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	t.Run("Serializes one key", func(t *testing.T) {
		var mu sync.Mutex
		inside, maxInside := 0, 0
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock("a")
				defer unlock()
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxInside)
		assert.Equal(t, 0, k.size())
	})

	t.Run("Keys are independent", func(t *testing.T) {
		unlockA := k.Lock("a")
		done := make(chan struct{})
		go func() {
			unlockB := k.Lock("b")
			unlockB()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked by a")
		}
		unlockA()
		assert.Equal(t, 0, k.size())
	})
}

func TestPendingIndex(t *testing.T) {
	p := NewPendingIndex()
	p.Add("e1", "t1")
	p.Add("e1", "t2")
	p.Add("e1", "t1")
	p.Add("e1", "")
	p.Add("e2", "t3")

	assert.ElementsMatch(t, []string{"t1", "t2"}, p.Tasks("e1"))
	assert.Equal(t, 2, p.Len())

	p.Remove("e2", "t3")
	assert.Empty(t, p.Tasks("e2"))
	assert.Equal(t, 1, p.Len())

	p.Clear("e1")
	assert.Zero(t, p.Len())
	p.Remove("e1", "t1")
}
