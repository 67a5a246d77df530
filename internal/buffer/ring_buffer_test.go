package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRingBufferKeepsLastN tests that a buffer of capacity N holds exactly the last N pushes in order
func TestRingBufferKeepsLastN(t *testing.T) {
	for _, pushes := range []int{0, 1, 3, 5, 6, 13} {
		rb := New[int](5)
		for i := 0; i < pushes; i++ {
			rb.Push(i)
		}

		var want []int
		for i := max(0, pushes-5); i < pushes; i++ {
			want = append(want, i)
		}

		assert.Equal(t, want, rb.All(), "pushes=%d", pushes)
		assert.Equal(t, len(want), rb.Len())
		assert.Equal(t, uint64(pushes), rb.TotalPushed())
	}
}

func TestRingBufferLast(t *testing.T) {
	rb := New[string](3)
	for _, s := range []string{"a", "b", "c", "d"} {
		rb.Push(s)
	}

	assert.Equal(t, []string{"c", "d"}, rb.Last(2))
	assert.Equal(t, []string{"b", "c", "d"}, rb.Last(10))
	assert.Nil(t, rb.Last(0))
}

func TestRingBufferFilteredAndEach(t *testing.T) {
	rb := New[int](4)
	for i := 1; i <= 6; i++ {
		rb.Push(i)
	}

	even := rb.Filtered(func(n int) bool { return n%2 == 0 })
	assert.Equal(t, []int{4, 6}, even)

	var seen []int
	rb.Each(func(n int) { seen = append(seen, n) })
	assert.Equal(t, []int{3, 4, 5, 6}, seen)
}

func TestRingBufferClear(t *testing.T) {
	rb := New[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	rb.Clear()

	assert.Equal(t, 0, rb.Len())
	assert.Nil(t, rb.All())
	assert.Equal(t, uint64(3), rb.TotalPushed())

	rb.Push(4)
	assert.Equal(t, []int{4}, rb.All())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	rb := New[int](0)
	rb.Push(1)
	rb.Push(2)
	assert.Equal(t, 1, rb.Cap())
	assert.Equal(t, []int{2}, rb.All())
}

func TestRingBufferConcurrentPush(t *testing.T) {
	rb := New[int](100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rb.Push(i)
				_ = rb.Last(5)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, rb.Len())
	assert.Equal(t, uint64(400), rb.TotalPushed())
}
