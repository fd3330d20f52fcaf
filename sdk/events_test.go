package parlo

import (
	"strings"
	"testing"
)

func TestEmitter_OrderAndUnsubscribe(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})

	var got []string
	s.OnState(func(State) { got = append(got, "a") })
	removeB := s.OnState(func(State) { got = append(got, "b") })
	s.OnState(func(State) { got = append(got, "c") })

	s.emitState(StateListening)
	if want := "abc"; strings.Join(got, "") != want {
		t.Fatalf("first emit order = %q, want %q", strings.Join(got, ""), want)
	}

	got = nil
	removeB()
	s.emitState(StateListening)
	if want := "ac"; strings.Join(got, "") != want {
		t.Fatalf("after unsubscribe = %q, want %q", strings.Join(got, ""), want)
	}
}

func TestEmitter_IdentityBasedRemoval(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})

	count := 0
	fn := func(State) { count++ }
	removeFirst := s.OnState(fn)
	s.OnState(fn)

	removeFirst()
	s.emitState(StateThinking)
	if count != 1 {
		t.Fatalf("count = %d, want 1 (only the removed registration gone)", count)
	}

	// Removing the same registration twice is a no-op.
	removeFirst()
	s.emitState(StateThinking)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestEmitter_SelfUnsubscribeDuringEmit(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})

	var got []string
	var removeSelf func()
	s.OnState(func(State) { got = append(got, "a") })
	removeSelf = s.OnState(func(State) {
		got = append(got, "b")
		removeSelf()
	})
	s.OnState(func(State) { got = append(got, "c") })

	// The snapshot taken at emit time still runs every listener once.
	s.emitState(StateSpeaking)
	if want := "abc"; strings.Join(got, "") != want {
		t.Fatalf("emit during unsubscribe = %q, want %q", strings.Join(got, ""), want)
	}

	got = nil
	s.emitState(StateSpeaking)
	if want := "ac"; strings.Join(got, "") != want {
		t.Fatalf("second emit = %q, want %q", strings.Join(got, ""), want)
	}
}

func TestEmitter_PanicIsolation(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})

	var got []string
	s.OnState(func(State) { got = append(got, "a") })
	s.OnState(func(State) { panic("listener bug") })
	s.OnState(func(State) { got = append(got, "c") })

	s.emitState(StateIdle)
	if want := "ac"; strings.Join(got, "") != want {
		t.Fatalf("surviving listeners = %q, want %q", strings.Join(got, ""), want)
	}
}

func TestEmitter_IndependentChannels(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})

	states := 0
	outputs := 0
	s.OnState(func(State) { states++ })
	s.OnOutput(func(string, bool) { outputs++ })

	s.emitState(StateListening)
	if states != 1 || outputs != 0 {
		t.Fatalf("states=%d outputs=%d after state emit", states, outputs)
	}

	s.emitOutput("hi", false)
	if states != 1 || outputs != 1 {
		t.Fatalf("states=%d outputs=%d after output emit", states, outputs)
	}
}

