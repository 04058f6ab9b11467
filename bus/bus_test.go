package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New(256)
	defer b.Close(time.Second)

	var mu sync.Mutex
	var got []int
	b.Subscribe(KindChatMessage, func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
	})

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(NewEvent(KindChatMessage, i))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "not all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order: got payload %d", i, v)
		}
	}
}

func TestSlowHandlerGatesNextEvent(t *testing.T) {
	b := New(16)
	defer b.Close(time.Second)

	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	// Slow consumer of the first event.
	b.Subscribe(KindChatMessage, func(_ context.Context, ev Event) {
		if ev.Payload.(int) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		record("slow")
	})
	// Fast consumer of every event.
	b.Subscribe(KindChatMessage, func(_ context.Context, ev Event) {
		record("fast")
	})

	b.Publish(NewEvent(KindChatMessage, 1))
	b.Publish(NewEvent(KindChatMessage, 2))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) == 4
	}, "not all handler invocations completed")

	// Every handler of event 1 (including the slow one) must finish before
	// any handler sees event 2. The first two entries therefore belong to
	// event 1, in either order.
	mu.Lock()
	defer mu.Unlock()
	first := map[string]bool{trace[0]: true, trace[1]: true}
	if !first["slow"] || !first["fast"] {
		t.Fatalf("event 2 dispatched before event 1 completed: trace %v", trace)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	b := New(16)
	defer b.Close(time.Second)

	var mu sync.Mutex
	count := 0
	handler := func(_ context.Context, _ Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}
	b.Subscribe(KindChatMessage, handler)
	b.Subscribe(KindChatMessage, handler)

	b.Publish(NewEvent(KindChatMessage, "hello"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, "event never delivered")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler invoked %d times, want 1", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(16)
	defer b.Close(time.Second)

	var mu sync.Mutex
	var aCount, bCount int
	handlerA := func(_ context.Context, _ Event) {
		mu.Lock()
		aCount++
		mu.Unlock()
	}
	handlerB := func(_ context.Context, _ Event) {
		mu.Lock()
		bCount++
		mu.Unlock()
	}
	b.Subscribe(KindChatMessage, handlerA)
	b.Subscribe(KindChatMessage, handlerB)
	b.Unsubscribe(KindChatMessage, handlerA)

	b.Publish(NewEvent(KindChatMessage, "x"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bCount == 1
	}, "remaining handler never invoked")

	mu.Lock()
	defer mu.Unlock()
	if aCount != 0 {
		t.Errorf("unsubscribed handler invoked %d times", aCount)
	}
}

func TestSupertypeFanout(t *testing.T) {
	b := New(16)
	defer b.Close(time.Second)

	var mu sync.Mutex
	var kinds []Kind
	b.Subscribe(KindMessage, func(_ context.Context, ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	b.Publish(NewEvent(KindChatMessage, ChatMessage{Platform: "twitch", Text: "hi"}))
	b.Publish(NewEvent(KindBotResponse, BotResponse{Platform: "twitch", Text: "yo"}))
	b.Publish(NewEvent(KindStatusUpdate, StatusUpdate{Service: "twitch", State: "running"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= 2
	}, "supertype subscriber missed chat traffic")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != KindChatMessage || kinds[1] != KindBotResponse {
		t.Errorf("message subscriber saw kinds %v, want [chat_message bot_response]", kinds)
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	b := New(2)
	defer b.Close(time.Second)

	release := make(chan struct{})
	var mu sync.Mutex
	received := 0
	b.Subscribe(KindChatMessage, func(_ context.Context, _ Event) {
		<-release
		mu.Lock()
		received++
		mu.Unlock()
	})

	// First event occupies the worker; queue size 2 holds two more. Give the
	// worker a moment to dequeue before filling the queue.
	b.Publish(NewEvent(KindChatMessage, 0))
	time.Sleep(20 * time.Millisecond)
	b.Publish(NewEvent(KindChatMessage, 1))
	b.Publish(NewEvent(KindChatMessage, 2))
	b.Publish(NewEvent(KindChatMessage, 3)) // dropped

	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 3
	}, "queued events never drained")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 3 {
		t.Errorf("received %d events, want 3 (one dropped)", received)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	b := New(16)
	defer b.Close(time.Second)

	var mu sync.Mutex
	delivered := 0
	b.Subscribe(KindChatMessage, func(_ context.Context, ev Event) {
		if ev.Payload.(int) == 1 {
			panic("boom")
		}
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	b.Publish(NewEvent(KindChatMessage, 1))
	b.Publish(NewEvent(KindChatMessage, 2))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, "event after panic never delivered")
}

func TestPublishAfterClose(t *testing.T) {
	b := New(16)
	b.Close(time.Second)
	// Must not panic; the event is dropped.
	b.Publish(NewEvent(KindChatMessage, "late"))
	// Double close is a no-op.
	b.Close(time.Second)
}

func TestPublishConcurrentWithClose(t *testing.T) {
	// Publishers racing shutdown must degrade to drops, never panic on a
	// closed queue.
	b := New(8)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 1000; j++ {
				b.Publish(NewEvent(KindChatMessage, j))
			}
		}()
	}

	close(start)
	b.Close(time.Second)
	wg.Wait()

	// Late publishes after close are still safe.
	b.Publish(NewEvent(KindChatMessage, "late"))
}
