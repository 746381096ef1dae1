package eventbus

import (
	"testing"
	"time"

	"github.com/dkod-io/dk-server/pkg/model"
)

func TestSubscriberObservesPublishedEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Publish(model.WatchEvent{Kind: model.EventFileWritten, Path: "a.txt"})
	select {
	case e := <-sub.Events:
		if e.Path != "a.txt" {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(model.WatchEvent{Kind: model.EventMerged})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestSubscribeOnlySeesEventsAfterCall(t *testing.T) {
	b := New()
	b.Publish(model.WatchEvent{Kind: model.EventMerged, Commit: "before"})
	sub := b.Subscribe()
	b.Publish(model.WatchEvent{Kind: model.EventMerged, Commit: "after"})
	e := <-sub.Events
	if e.Commit != "after" {
		t.Fatalf("got %+v, want commit=after", e)
	}
}

func TestLaggedSignalOnOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	// Fill the channel beyond capacity without draining.
	for i := 0; i < DefaultCapacity+5; i++ {
		b.Publish(model.WatchEvent{Kind: model.EventFileWritten, Path: "x"})
	}
	// Drain the full channel; every entry should be a real event (no room
	// was left to interleave a synthesized Lagged event while still full).
	for i := 0; i < DefaultCapacity; i++ {
		<-sub.Events
	}
	// Publish one more now that there is room: the dropped counter should
	// surface as a Lagged event ahead of it.
	b.Publish(model.WatchEvent{Kind: model.EventFileWritten, Path: "y"})
	first := <-sub.Events
	if first.Kind != model.EventLagged || first.Lagged <= 0 {
		t.Fatalf("expected a Lagged event, got %+v", first)
	}
	second := <-sub.Events
	if second.Path != "y" {
		t.Fatalf("expected the deferred event next, got %+v", second)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}
