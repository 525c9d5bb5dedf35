package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)

	b.Publish(Event{Kind: JobStarted, Path: "a.txt"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, JobStarted, ev.Kind)
		assert.Equal(t, "a.txt", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublish_FanOutToMultipleSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Kind: BatchStarted})

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, BatchStarted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("event never delivered to one subscriber")
		}
	}
}

func TestPublish_DropsOldestWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(2)

	b.Publish(Event{Kind: JobStarted, Path: "1"})
	b.Publish(Event{Kind: JobStarted, Path: "2"})
	b.Publish(Event{Kind: JobStarted, Path: "3"})

	ch := sub.Events()
	first := <-ch
	second := <-ch

	assert.Equal(t, "2", first.Path, "oldest event should have been dropped")
	assert.Equal(t, "3", second.Path)
}

func TestPublish_DoesNotBlockWithNoSubscribers(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: JobStarted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestShutdown_ClosesSubscriberChannels(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	b.Publish(Event{Kind: JobStarted, Path: "queued"})

	b.Shutdown()

	ch := sub.Events()
	var received []Event
	for ev := range ch {
		received = append(received, ev)
	}

	require.Len(t, received, 1)
	assert.Equal(t, "queued", received[0].Path)
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	ch := sub.Events()

	b.Publish(Event{Kind: JobStarted, Path: "before-unsubscribe"})
	first := <-ch

	sub.Unsubscribe()
	b.Publish(Event{Kind: JobStarted, Path: "after-unsubscribe"})

	select {
	case ev := <-ch:
		t.Fatalf("expected no further events after unsubscribe, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, "before-unsubscribe", first.Path)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Shutdown()
		b.Shutdown()
	})
}
