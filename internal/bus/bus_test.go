package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []TemplateUpdate

	handler := func(u TemplateUpdate) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	}
	if err := b.Subscribe(TopicTemplateUpdated, handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(TopicTemplateUpdated, TemplateUpdate{
		Coin:     "krypton",
		Algo:     "kn",
		Height:   1000,
		PrevHash: "abc",
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].Height != 1000 || got[0].Coin != "krypton" {
		t.Errorf("got %+v, want height 1000 coin krypton", got[0])
	}
}

func TestSubscribeAsync(t *testing.T) {
	b := New()

	done := make(chan ShareCount, 2)
	handler := func(s ShareCount) {
		done <- s
	}
	if err := b.SubscribeAsync(TopicShareCounted, handler); err != nil {
		t.Fatalf("SubscribeAsync() error = %v", err)
	}

	b.Publish(TopicShareCounted, ShareCount{Coin: "krypton", Difficulty: 100, Outcome: ShareNormal})
	b.Publish(TopicShareCounted, ShareCount{Coin: "krypton", Difficulty: 200, Outcome: ShareInvalid})
	b.WaitAsync()

	var first, second ShareCount
	select {
	case first = <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}
	select {
	case second = <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}

	// transactional async keeps publish order
	if first.Difficulty != 100 || second.Difficulty != 200 {
		t.Errorf("events out of order: %+v then %+v", first, second)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	handler := func(u BanIP) { calls++ }

	if err := b.Subscribe(TopicBanIP, handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	b.Publish(TopicBanIP, BanIP{IP: "10.0.0.1", Reason: "invalid shares"})

	if err := b.Unsubscribe(TopicBanIP, handler); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	b.Publish(TopicBanIP, BanIP{IP: "10.0.0.2", Reason: "flood"})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestHasSubscribers(t *testing.T) {
	b := New()

	if b.HasSubscribers(TopicBlockFound) {
		t.Error("HasSubscribers() = true before any Subscribe")
	}
	if err := b.Subscribe(TopicBlockFound, func(bf BlockFound) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !b.HasSubscribers(TopicBlockFound) {
		t.Error("HasSubscribers() = false after Subscribe")
	}
}
