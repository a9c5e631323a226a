package engine_test

import (
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

func event(runID string, state model.State) model.RunEvent {
	return model.RunEvent{RunID: runID, State: state, Time: time.Now()}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	states := []model.State{model.StateRunning, model.StateSuspended, model.StateKilled}
	for _, s := range states {
		b.Publish(event("r1", s))
	}
	b.Close("r1")

	var got []model.State
	for ev := range ch {
		got = append(got, ev.State)
	}

	if len(got) != len(states) {
		t.Fatalf("got %d events, want %d", len(got), len(states))
	}
	for i, s := range got {
		if s != states[i] {
			t.Errorf("event[%d] = %q, want %q", i, s, states[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish(event("r1", model.StateCompleted))
	b.Close("r1")

	for i, ch := range []<-chan model.RunEvent{ch1, ch2} {
		var got []model.RunEvent
		for ev := range ch {
			got = append(got, ev)
		}
		if len(got) != 1 || got[0].State != model.StateCompleted {
			t.Errorf("subscriber %d got %v, want one completed event", i+1, got)
		}
	}
}

func TestEventBrokerIsolatesRuns(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(event("r2", model.StateRunning))
	b.Close("r2")

	select {
	case ev := <-ch:
		t.Errorf("received event for another run: %+v", ev)
	default:
	}
}

func TestEventBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("late subscriber received an event")
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber channel not closed")
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish(event("r1", model.StateRunning))

	select {
	case ev := <-ch:
		t.Errorf("unsubscribed channel received %+v", ev)
	default:
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	// Publishing past the buffer must not block.
	for range 100 {
		b.Publish(event("r1", model.StateRunning))
	}
	b.Close("r1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 100 {
		t.Errorf("received %d events, want some dropped", n)
	}
}
