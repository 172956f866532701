// ABOUTME: Tests for the in-memory event broadcaster
// ABOUTME: Covers fan-out, slow subscriber drops, unsubscription and context cleanup

package notify

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx, TicketChannel(1))
	ch2, _ := b.Subscribe(ctx, TicketChannel(1))
	other, _ := b.Subscribe(ctx, TicketChannel(2))

	b.Publish(TicketChannel(1), Event{Action: ActionUpdate, Bucket: "open"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Action != ActionUpdate || ev.Bucket != "open" {
				t.Errorf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("tenant 2 subscriber received tenant 1 event: %+v", ev)
	default:
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), SessionChannel(1))

	// Fill the buffer and then some; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(SessionChannel(1), Event{Action: ActionUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if len(ch) != subscriberBufferSize {
		t.Errorf("expected buffer full at %d, got %d", subscriberBufferSize, len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), MessageChannel(1))
	b.Unsubscribe(MessageChannel(1), subID)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(MessageChannel(1), subID)
}

func TestSubscribeCleansUpOnContextCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, TicketChannel(1))
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancel")
	}
}

func TestChannelNames(t *testing.T) {
	if got := TicketChannel(4); got != "tenant-4-ticket" {
		t.Errorf("TicketChannel = %q", got)
	}
	if got := SessionChannel(4); got != "tenant-4-whatsappSession" {
		t.Errorf("SessionChannel = %q", got)
	}
	if got := MessageChannel(4); got != "tenant-4-appMessage" {
		t.Errorf("MessageChannel = %q", got)
	}
}
