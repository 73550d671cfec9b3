package reservoir

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainIsDestructive(t *testing.T) {
	r := New()
	payload := bytes.Repeat([]byte{0xAB}, 100)
	r.Write("COM3", payload)

	got := r.Drain("COM3")
	assert.Equal(t, payload, got)

	again := r.Drain("COM3")
	require.NotNil(t, again)
	assert.Empty(t, again)
}

func TestWriteAppendsInOrder(t *testing.T) {
	r := New()
	r.Write("a", []byte("hel"))
	r.Write("a", []byte("lo"))
	r.Write("b", []byte("other"))
	assert.Equal(t, []byte("hello"), r.Drain("a"))
	assert.Equal(t, []byte("other"), r.Drain("b"))
}

func TestOverflowDropsNewBytes(t *testing.T) {
	r := New(WithMaxBytes(10))
	r.Write("x", []byte("123456"))
	r.Write("x", []byte("7890AB")) // would be 12 bytes
	assert.Equal(t, 6, r.Len("x"))
	r.Write("x", []byte("7890"))
	assert.Equal(t, []byte("1234567890"), r.Drain("x"))

	// a single push larger than the cap never lands
	r.Write("y", bytes.Repeat([]byte{1}, 11))
	assert.Equal(t, 0, r.Len("y"))
}

func TestOverflowAtDefaultCap(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 60 MB")
	}
	r := New()
	chunk := make([]byte, 30*1024*1024)
	r.Write("COM3", chunk)
	r.Write("COM3", chunk)
	assert.Equal(t, len(chunk), r.Len("COM3"))
	assert.LessOrEqual(t, r.Len("COM3"), DefaultMaxBytes)
	assert.Len(t, r.Drain("COM3"), len(chunk))
}

func TestPeekDoesNotRemove(t *testing.T) {
	r := New()
	r.Write("dev", []byte("abc"))
	p := r.Peek("dev")
	p[0] = 'z' // copy, not a view
	assert.Equal(t, []byte("abc"), r.Peek("dev"))
	assert.Equal(t, []byte("abc"), r.Drain("dev"))
	assert.Empty(t, r.Peek("missing"))
}

func TestClear(t *testing.T) {
	r := New()
	r.Write("dev", []byte("stale"))
	r.Clear("dev")
	assert.Empty(t, r.Drain("dev"))
	assert.Empty(t, r.Addresses())
	r.Clear("never-written")
}

func TestAddressesSorted(t *testing.T) {
	r := New()
	r.Write("b", []byte{1})
	r.Write("a", []byte{1})
	assert.Equal(t, []string{"a", "b"}, r.Addresses())
}

func TestConcurrentWriteAndDrainLosesNothing(t *testing.T) {
	r := New()
	const writers = 8
	const perWriter = 500

	var drained bytes.Buffer
	var mu sync.Mutex
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			b := r.Drain("addr")
			mu.Lock()
			drained.Write(b)
			mu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Write("addr", []byte{'x'})
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-done
	drained.Write(r.Drain("addr"))
	assert.Equal(t, writers*perWriter, drained.Len(), fmt.Sprintf("lost %d bytes", writers*perWriter-drained.Len()))
}
