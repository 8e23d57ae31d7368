package events

import (
	"strings"
	"testing"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Kind: AlertTriggered})
	if b.Subscribers() != 0 {
		t.Fatal("unexpected subscriber")
	}
}

func TestFanOut(t *testing.T) {
	b := NewBus()
	c1, cancel1 := b.Subscribe(4)
	c2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Kind: ValueUpdated, SessionID: "7"})

	for i, ch := range []<-chan Event{c1, c2} {
		e := <-ch
		if e.Kind != ValueUpdated || e.SessionID != "7" {
			t.Errorf("subscriber %d: got %+v", i, e)
		}
		if !strings.HasPrefix(e.ID, "evt_") || e.At.IsZero() {
			t.Errorf("subscriber %d: event not stamped: %+v", i, e)
		}
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: ValueUpdated, Detail: "first"})
	b.Publish(Event{Kind: ValueUpdated, Detail: "second"})

	if e := <-ch; e.Detail != "first" {
		t.Fatalf("got %q, want first", e.Detail)
	}
	select {
	case e := <-ch:
		t.Fatalf("overflow event delivered: %+v", e)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	if b.Subscribers() != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	b.Close()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}
	b.Publish(Event{Kind: AlertTriggered})

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("subscription after Close should be closed")
	}
}
