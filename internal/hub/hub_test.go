package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/protocol"
)

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(protocol.NewEvent(protocol.NewToast("info", "hello")))

	for _, s := range []*Subscriber{a, b} {
		select {
		case ev := <-s.Events():
			toast, ok := ev.Event.(*protocol.Toast)
			require.True(t, ok)
			assert.Equal(t, "hello", toast.Message)
		default:
			t.Fatal("expected a buffered event")
		}
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	s := h.Subscribe()
	h.Unsubscribe(s)
	h.Unsubscribe(s)

	h.Publish(protocol.NewEvent(protocol.NewToast("info", "gone")))
	assert.Empty(t, s.Events())
	assert.Equal(t, 0, h.Len())
}

func TestHub_SlowConsumerFlaggedLagged(t *testing.T) {
	h := NewWithBuffer(2)
	s := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Publish(protocol.NewEvent(protocol.NewTaskSummariesChanged(uint64(i + 1))))
	}

	select {
	case <-s.Lagged():
	default:
		t.Fatal("expected lag signal after overflow")
	}
	// Buffered events before the overflow are still delivered.
	assert.Len(t, s.Events(), 2)
	// The lag signal does not repeat until consumed again.
	assert.Len(t, s.lagged, 0)
}

func TestHub_FastConsumerNeverLags(t *testing.T) {
	h := NewWithBuffer(8)
	s := h.Subscribe()

	for i := 0; i < 8; i++ {
		h.Publish(protocol.NewEvent(protocol.NewTaskSummariesChanged(uint64(i + 1))))
	}

	assert.Len(t, s.Events(), 8)
	select {
	case <-s.Lagged():
		t.Fatal("unexpected lag signal")
	default:
	}
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewWithBuffer(4096)
	s := h.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(protocol.NewEvent(protocol.NewToast("info", "x")))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Events(), 1600)
}
