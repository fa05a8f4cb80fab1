package events

import (
	"testing"
	"time"
)

func TestBusFansOut(t *testing.T) {
	bus := NewBus()
	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	bus.Emit(RebalanceStarted{Vault: "0xa", Attempt: 1, ExpiresAt: at.Add(10 * time.Minute), At: at})

	for _, ch := range []<-chan Record{first, second} {
		select {
		case rec := <-ch:
			if rec.Type != TypeRebalanceStarted || rec.Attributes["vault"] != "0xa" || rec.Attributes["attempt"] != "1" {
				t.Fatalf("unexpected record %+v", rec)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}

	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if bus.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", bus.Subscribers())
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()
	bus.Emit(RebalanceExpired{Vault: "0xa"})
	bus.Emit(RebalanceExpired{Vault: "0xb"})
	if bus.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", bus.Dropped())
	}
}

type bare struct{}

func (bare) EventType() string { return "bare" }

func TestToRecordFallsBackToType(t *testing.T) {
	rec := ToRecord(bare{})
	if rec.Type != "bare" || rec.Attributes == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	var sink MultiEmitter = []Emitter{NoopEmitter{}, nil}
	sink.Emit(bare{})
}
