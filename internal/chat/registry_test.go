package chat

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// waitForLen polls until the registry holds exactly want actors.
func waitForLen(t *testing.T, r *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("registry never reached %d actors, still at %d", want, r.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryGetIsLazyAndStable(t *testing.T) {
	r := NewRegistry(newFakeLogStore(), nil)
	t.Cleanup(r.StopAll)

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}

	a := r.Get("conv1")
	if a == nil || a.ID() != "conv1" {
		t.Fatalf("expected actor for conv1, got %+v", a)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 actor, got %d", r.Len())
	}

	// Same id returns the same running actor; a reconnecting participant must
	// land on the instance that holds the live set.
	if b := r.Get("conv1"); b != a {
		t.Error("expected the same actor instance for the same id")
	}
	if c := r.Get("conv2"); c == a {
		t.Error("different ids must map to different actors")
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 actors, got %d", r.Len())
	}
}

func TestRegistryReapsEmptiedSessions(t *testing.T) {
	r := NewRegistry(newFakeLogStore(), nil)
	t.Cleanup(r.StopAll)
	ctx := context.Background()

	// Touch many distinct conversations; each actor must be torn down once
	// its only participant leaves, not accumulate for the process lifetime.
	const conversations = 100
	for i := 0; i < conversations; i++ {
		sess := r.Get(fmt.Sprintf("conv%d", i))
		p := &fakeParticipant{}
		if err := sess.Join(ctx, p); err != nil {
			t.Fatalf("join failed: %v", err)
		}
		if err := sess.Leave(ctx, p); err != nil {
			t.Fatalf("leave failed: %v", err)
		}
	}

	waitForLen(t, r, 0)
}

func TestRegistryKeepsSessionWithRemainingParticipant(t *testing.T) {
	r := NewRegistry(newFakeLogStore(), nil)
	t.Cleanup(r.StopAll)
	ctx := context.Background()

	sess := r.Get("conv1")
	visitor := &fakeParticipant{}
	agent := &fakeParticipant{}
	for _, p := range []*fakeParticipant{visitor, agent} {
		if err := sess.Join(ctx, p); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	if err := sess.Leave(ctx, agent); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	// One participant remains, so the actor must survive and stay usable.
	time.Sleep(50 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatalf("expected actor to survive with a participant, len=%d", r.Len())
	}
	if err := sess.Send(ctx, Message{User: "Ana", Text: "sigo aqui"}); err != nil {
		t.Errorf("send on surviving actor failed: %v", err)
	}
}

func TestReapedSessionReplaysHistoryOnRecreate(t *testing.T) {
	store := newFakeLogStore()
	r := NewRegistry(store, nil)
	t.Cleanup(r.StopAll)
	ctx := context.Background()

	first := r.Get("conv1")
	p := &fakeParticipant{}
	if err := first.Join(ctx, p); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := first.Send(ctx, Message{User: "Ana", Text: "hola"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := first.Leave(ctx, p); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	waitForLen(t, r, 0)

	// The log outlives the actor: a fresh actor for the same id replays it.
	second := r.Get("conv1")
	if second == first {
		t.Fatal("expected a fresh actor after reaping")
	}
	late := &fakeParticipant{}
	if err := second.Join(ctx, late); err != nil {
		t.Fatalf("join after reap failed: %v", err)
	}
	history := late.historyAt(t, 0)
	if len(history) != 1 || history[0].Text != "hola" {
		t.Errorf("expected replay of [hola], got %+v", history)
	}
}

func TestRegistryPropagatesOnEmpty(t *testing.T) {
	closed := make(chan string, 1)
	r := NewRegistry(newFakeLogStore(), func(id string) { closed <- id })
	t.Cleanup(r.StopAll)
	ctx := context.Background()

	sess := r.Get("conv1")
	p := &fakeParticipant{}
	if err := sess.Join(ctx, p); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := sess.Leave(ctx, p); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	select {
	case id := <-closed:
		if id != "conv1" {
			t.Errorf("expected conv1, got %q", id)
		}
	default:
		t.Error("onEmpty callback never fired")
	}
}
