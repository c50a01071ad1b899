package notify

import (
	"context"
	"errors"
	"testing"
)

type recordingNotifier struct {
	events []Event
	err    error
	closed bool
}

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) Close() error {
	r.closed = true
	return nil
}

func TestFanoutBroadcastsToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	fanout := NewFanout(a, nil, b)

	event := Event{Kind: KindSpawn, TaskID: "task-1"}
	if err := fanout.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("broadcast incomplete: %d %d", len(a.events), len(b.events))
	}
}

func TestFanoutJoinsErrorsButDelivers(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("broker down")}
	healthy := &recordingNotifier{}
	fanout := NewFanout(failing, healthy)

	err := fanout.Notify(context.Background(), Event{Kind: KindTerminal, TaskID: "task-1"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(healthy.events) != 1 {
		t.Fatal("failure of one notifier must not starve the others")
	}
}

func TestFanoutCloseClosesAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	fanout := NewFanout(a, b)
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("not all notifiers closed")
	}
}

func TestEmitSwallowsErrorsAndStampsTime(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("unreachable")}

	// Emit 不应让通知失败影响调用方。
	Emit(context.Background(), failing, Event{Kind: KindSpawn, TaskID: "task-1"})
	if len(failing.events) != 1 {
		t.Fatal("event not delivered")
	}
	if failing.events[0].OccurredAt.IsZero() {
		t.Fatal("occurred_at not stamped")
	}

	// nil 通知器是合法的关闭状态。
	Emit(context.Background(), nil, Event{Kind: KindSpawn, TaskID: "task-2"})
}
