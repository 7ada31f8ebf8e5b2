package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeJobStatus, Data: JobStatus{JobID: "j1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			require.Equal(t, TypeJobStatus, e.Type)
			assert.False(t, e.Time.IsZero())
			assert.Equal(t, "j1", e.Data.(JobStatus).JobID)
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeTypes(4, "job.progress")
	defer unsub()

	b.Publish(Event{Type: TypeJobStatus})
	b.Publish(Event{Type: TypeJobProgress})

	e := <-ch
	assert.Equal(t, TypeJobProgress, e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeJobProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(9), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TypeJobStatus})
}

func TestUnsubscribeWhilePublishing(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Type: TypeJobProgress})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		ch, unsub := b.Subscribe(1)
		unsub()
		_, open := <-ch
		for open {
			_, open = <-ch
		}
	}
	close(stop)
	wg.Wait()
}
