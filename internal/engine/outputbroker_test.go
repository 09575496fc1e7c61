package engine_test

import (
	"fmt"
	"testing"

	"github.com/seantiz/etna/internal/engine"
)

func TestOutputBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewOutputBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	for _, l := range lines {
		b.Publish("r1", l)
	}
	b.Close("r1")

	var got []string
	for l := range ch {
		got = append(got, l)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestOutputBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewOutputBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", "hello")
	b.Close("r1")

	var got1, got2 []string
	for l := range ch1 {
		got1 = append(got1, l)
	}
	for l := range ch2 {
		got2 = append(got2, l)
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestOutputBrokerCloseClosesChannels(t *testing.T) {
	b := engine.NewOutputBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Close("r1")

	// Channel should be closed; reading should return zero value immediately.
	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestOutputBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewOutputBroker()
	b.Publish("r1", "early")
	b.Close("r1")

	// Subscribe after Close — should get a closed channel.
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestOutputBrokerClosedMarkersBounded(t *testing.T) {
	b := engine.NewOutputBroker()

	b.Close("r0")
	for i := 1; i <= engine.MaxClosedMarkers; i++ {
		b.Close(fmt.Sprintf("r%d", i))
	}

	// The oldest marker has been evicted: a subscriber gets a fresh open
	// channel instead of a closed one.
	ch, unsub := b.Subscribe("r0")
	defer unsub()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Error("oldest closed marker was not evicted")
		}
	default:
		// Open channel — marker evicted.
	}

	// The most recent marker is still in place.
	ch2, unsub2 := b.Subscribe(fmt.Sprintf("r%d", engine.MaxClosedMarkers))
	defer unsub2()
	if _, ok := <-ch2; ok {
		t.Error("recent closed marker missing")
	}
}

func TestOutputBrokerCloseIsIdempotent(t *testing.T) {
	b := engine.NewOutputBroker()

	// Closing the same run repeatedly must not consume marker capacity.
	for range engine.MaxClosedMarkers + 1 {
		b.Close("r0")
	}

	ch, unsub := b.Subscribe("r0")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("marker for a repeatedly closed run was evicted")
	}
}

func TestOutputBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewOutputBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", "after unsub")
	b.Close("r1")

	// The channel should have no messages (we unsubscribed before publish).
	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l)
		}
	default:
		// No data — expected.
	}
}

func TestOutputBrokerPublishToUnknownRunIsNoop(t *testing.T) {
	b := engine.NewOutputBroker()
	// Should not panic.
	b.Publish("nonexistent", "line")
	b.Close("nonexistent")
}

func TestOutputBrokerLateSubscriberMissesEarlierLines(t *testing.T) {
	b := engine.NewOutputBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()

	b.Publish("r1", "line 1")

	// Late subscriber joins after line 1.
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", "line 2")
	b.Close("r1")

	var got1, got2 []string
	for l := range ch1 {
		got1 = append(got1, l)
	}
	for l := range ch2 {
		got2 = append(got2, l)
	}

	if len(got1) != 2 {
		t.Errorf("subscriber 1 got %d lines, want 2", len(got1))
	}
	if len(got2) != 1 || got2[0] != "line 2" {
		t.Errorf("late subscriber got %v, want [line 2]", got2)
	}
}
