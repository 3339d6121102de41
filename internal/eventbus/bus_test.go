package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	crawls, unsubCrawls := b.Subscribe(4, CrawlFinished)
	defer unsubCrawls()

	b.Publish(Event{Type: CrawlStarted})
	b.Publish(Event{Type: CrawlFinished, Data: CrawlInfo{JobID: 3}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(crawls); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-crawls
	if info, ok := e.Data.(CrawlInfo); !ok || info.JobID != 3 {
		t.Fatalf("unexpected payload %#v", e.Data)
	}
	if e.Time.IsZero() {
		t.Fatal("publish should stamp the event time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: DigestSent})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffer holds %d events, want 1", len(ch))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: CrawlStarted})
}
