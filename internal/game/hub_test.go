package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(zap.NewNop())

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
	if hub.deliveries == nil {
		t.Error("Hub deliveries channel is nil")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(zap.NewNop())

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("ClientCount() = %v, want 0", count)
	}
}

func TestHub_Deliver(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// no clients are connected; the event must still drain without blocking
	ev := Event{Type: EventCoeffTick, GameCode: GameCrash, Data: TickData{RoundID: 1, Coeff: 1.23}}
	hub.Deliver(ev, []byte(`{"type":"coeff_tick"}`))

	time.Sleep(10 * time.Millisecond)
}

func TestHub_DeliverQueueFull(t *testing.T) {
	hub := NewHub(zap.NewNop())

	// the hub is not running, so the queue fills to its capacity
	ev := Event{Type: EventRoundState, GameCode: GameCrash}
	for i := 0; i < 256; i++ {
		hub.Deliver(ev, []byte("{}"))
	}

	done := make(chan bool, 1)
	go func() {
		hub.Deliver(ev, []byte("{}"))
		done <- true
	}()

	select {
	case <-done:
		// dropped instead of blocking
	case <-time.After(100 * time.Millisecond):
		t.Error("Deliver() blocked when the queue was full")
	}
}

func TestHub_ConcurrentDeliveries(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Deliver(Event{Type: EventCoeffTick, GameCode: GameCrash}, []byte("{}"))
		}()
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("concurrent Deliver() calls timed out")
	}
}

func TestHub_ClientCount_ThreadSafe(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.ClientCount()
		}()
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("concurrent ClientCount() calls timed out")
	}
}

func BenchmarkHub_Deliver(b *testing.B) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ev := Event{Type: EventCoeffTick, GameCode: GameCrash, Data: TickData{RoundID: 1, Coeff: 1.01}}
	raw := []byte(`{"type":"coeff_tick"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Deliver(ev, raw)
	}
}

func BenchmarkHub_ClientCount(b *testing.B) {
	hub := NewHub(zap.NewNop())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.ClientCount()
	}
}
