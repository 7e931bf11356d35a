package live_test

import (
	"testing"
	"time"

	"github.com/MrWong99/livepanel/pkg/provider/live"
)

func TestEventStream_FinishDeliversTerminalAndCloses(t *testing.T) {
	t.Parallel()

	s := live.NewEventStream(4)
	if !s.Emit(live.Event{Kind: live.EventOpened}) {
		t.Fatal("Emit returned false on an open stream")
	}
	s.Finish(live.Event{Kind: live.EventClosed})
	s.Finish(live.Event{Kind: live.EventError})

	var kinds []live.EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != live.EventOpened || kinds[1] != live.EventClosed {
		t.Fatalf("events = %v, want [opened closed]", kinds)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Finish")
	}
}

func TestEventStream_StopUnblocksEmit(t *testing.T) {
	t.Parallel()

	s := live.NewEventStream(0)
	res := make(chan bool, 1)
	go func() { res <- s.Emit(live.Event{Kind: live.EventAudio}) }()

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case ok := <-res:
		if ok {
			t.Fatal("Emit delivered with no reader")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Emit still blocked after Stop")
	}

	s.Finish(live.Event{Kind: live.EventClosed})
	if _, ok := <-s.Events(); ok {
		t.Error("terminal event delivered after Stop")
	}
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	tests := map[live.EventKind]string{
		live.EventOpened:       "opened",
		live.EventAudio:        "audio",
		live.EventInterrupted:  "interrupted",
		live.EventTurnComplete: "turn_complete",
		live.EventTranscript:   "transcript",
		live.EventClosed:       "closed",
		live.EventError:        "error",
		live.EventKind(42):     "EventKind(42)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
	if !live.EventError.Terminal() || live.EventAudio.Terminal() {
		t.Error("Terminal misclassified")
	}
}
