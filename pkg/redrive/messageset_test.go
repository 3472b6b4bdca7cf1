package redrive

import (
	"testing"

	"github.com/nimburion/redrive/pkg/queue"
)

func TestMessageSet_FirstSeenWins(t *testing.T) {
	set := NewMessageSet()
	first := queue.Message{ID: "m", Body: "first", ReceiptHandle: "rh-1"}
	second := queue.Message{ID: "m", Body: "second", ReceiptHandle: "rh-2"}

	if !set.Add(first) {
		t.Fatal("expected first copy to be added")
	}
	if set.Add(second) {
		t.Fatal("expected duplicate to be dropped")
	}
	got, ok := set.Get("m")
	if !ok || got.ReceiptHandle != "rh-1" {
		t.Fatalf("expected first copy to win, got %#v", got)
	}
}

func TestMessageSet_OrderAndNil(t *testing.T) {
	set := NewMessageSet()
	set.Merge([]queue.Message{msg("b"), msg("a"), msg("b"), msg("c")})

	msgs := set.Messages()
	if len(msgs) != 3 || msgs[0].ID != "b" || msgs[1].ID != "a" || msgs[2].ID != "c" {
		t.Fatalf("expected first-seen order, got %#v", msgs)
	}
	if !set.Contains("a") || set.Contains("z") {
		t.Fatal("unexpected Contains result")
	}

	var empty *MessageSet
	if empty.Len() != 0 || empty.Messages() != nil || empty.Contains("a") {
		t.Fatal("nil set must behave as empty")
	}
}
