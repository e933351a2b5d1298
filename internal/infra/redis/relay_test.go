package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

type recordingRooms struct {
	mu        sync.Mutex
	delivered []string
	notify    chan struct{}
}

func newRecordingRooms() *recordingRooms {
	return &recordingRooms{notify: make(chan struct{}, 16)}
}

func (r *recordingRooms) Deliver(room domain.Room, message []byte) {
	r.mu.Lock()
	r.delivered = append(r.delivered, room.Name()+" "+string(message))
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recordingRooms) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func TestRelayFansOutAcrossProcesses(t *testing.T) {
	mr, client := runRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA, localB := newRecordingRooms(), newRecordingRooms()
	relayA := NewRelay(client, "test:events", localA)
	relayB := NewRelay(newClient(mr), "test:events", localB)
	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("test:events")["test:events"] < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("relays did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	event := app.Event{Type: app.EventStatusChanged, Version: 3, Payload: app.StatusPayload{Status: domain.StatusActive}}
	if err := relayA.Emit(ctx, domain.PlayerRoom("ABC123"), event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case <-localB.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote process did not receive the event")
	}

	got := localB.all()
	if len(got) != 1 {
		t.Fatalf("expected one delivery on B, got %v", got)
	}
	want, _ := json.Marshal(event)
	if got[0] != "game_ABC123 "+string(want) {
		t.Fatalf("unexpected delivery: %s", got[0])
	}

	// the origin delivers locally once and ignores its own publication
	time.Sleep(50 * time.Millisecond)
	if n := len(localA.all()); n != 1 {
		t.Fatalf("expected one local delivery on A, got %d", n)
	}
}
