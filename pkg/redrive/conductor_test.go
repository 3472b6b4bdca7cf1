package redrive

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimburion/redrive/pkg/queue"
)

func failing(keys ...string) []queue.BatchFailure {
	out := make([]queue.BatchFailure, 0, len(keys))
	for _, key := range keys {
		out = append(out, queue.BatchFailure{CorrelationKey: key, Code: "Rejected", Reason: "test"})
	}
	return out
}

func TestRedrive_EmptyInputMakesNoCalls(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", nil)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Total() != 0 || outcome.Failed() {
		t.Fatalf("expected zero outcome, got %#v", outcome)
	}
	if client.mutations() != 0 {
		t.Fatalf("expected no network calls, got %d", client.mutations())
	}
}

func TestRedrive_AllSucceed(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	in := []queue.Message{msg("1"), msg("2"), msg("3"), msg("4"), msg("5")}
	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", in)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 5 || outcome.RetriedNotDeleted != 0 || outcome.NotRetried != 0 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if client.sendCalls != 1 || client.deleteCalls != 1 {
		t.Fatalf("expected one send and one delete call, got %d and %d", client.sendCalls, client.deleteCalls)
	}
	if got := client.deleted[0][2].ReceiptHandle; got != "rh-3" {
		t.Fatalf("expected receipt handle to be used for delete, got %q", got)
	}
	if got := client.sent[0][0].Body; got != "body-1" {
		t.Fatalf("expected body to be forwarded, got %q", got)
	}
}

func TestRedrive_SendFailuresAreNotDeleted(t *testing.T) {
	client := &scriptedClient{
		sendFn: func(entries []queue.SendEntry) (queue.BatchResult, error) {
			return queue.BatchResult{Succeeded: []string{"a", "c"}, Failed: failing("b")}, nil
		},
	}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("a"), msg("b"), msg("c")})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 2 || outcome.NotRetried != 1 || outcome.RetriedNotDeleted != 0 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	for _, entry := range client.deleted[0] {
		if entry.CorrelationKey == "b" {
			t.Fatal("a message rejected by the primary queue must not be deleted")
		}
	}
	if len(outcome.SendFailures) != 1 || outcome.SendFailures[0].CorrelationKey != "b" {
		t.Fatalf("expected send failure details, got %#v", outcome.SendFailures)
	}
}

// Three messages sent, one not deleted.
func TestRedrive_DeleteFailure(t *testing.T) {
	client := &scriptedClient{
		deleteFn: func(entries []queue.DeleteEntry) (queue.BatchResult, error) {
			return queue.BatchResult{Succeeded: []string{"1", "2"}, Failed: failing("3")}, nil
		},
	}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1"), msg("2"), msg("3")})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 2 || outcome.RetriedNotDeleted != 1 || outcome.NotRetried != 0 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if !outcome.Failed() {
		t.Fatal("expected outcome to be failed")
	}
}

func TestRedrive_AllSendsRejectedSkipsDelete(t *testing.T) {
	client := &scriptedClient{
		sendFn: func(entries []queue.SendEntry) (queue.BatchResult, error) {
			return queue.BatchResult{Failed: failing(keysOfSend(entries)...)}, nil
		},
	}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1"), msg("2")})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.NotRetried != 2 || outcome.Retried != 0 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if client.deleteCalls != 0 {
		t.Fatalf("expected no delete call, got %d", client.deleteCalls)
	}
}

func TestRedrive_MissingReceiptCountsAsNotDeleted(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	noReceipt := msg("2")
	noReceipt.ReceiptHandle = ""
	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1"), noReceipt})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 1 || outcome.RetriedNotDeleted != 1 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if len(client.deleted[0]) != 1 {
		t.Fatalf("expected the message without receipt to be left out of the delete call, got %#v", client.deleted[0])
	}
}

func TestRedrive_DeleteResultOmittingEntryCountsAsNotDeleted(t *testing.T) {
	client := &scriptedClient{
		deleteFn: func(entries []queue.DeleteEntry) (queue.BatchResult, error) {
			return queue.BatchResult{Succeeded: []string{"1"}}, nil
		},
	}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1"), msg("2")})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 1 || outcome.RetriedNotDeleted != 1 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
}

func TestRedrive_TransportErrorsPropagate(t *testing.T) {
	boom := queue.NewTransportError("send batch", "orders", errors.New("timeout"))
	client := &scriptedClient{
		sendFn: func([]queue.SendEntry) (queue.BatchResult, error) { return queue.BatchResult{}, boom },
	}
	e := newTestEngine(t, client, testConfig())

	_, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1")})
	if !queue.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if client.deleteCalls != 0 {
		t.Fatal("delete must not run after a failed send call")
	}

	client = &scriptedClient{
		deleteFn: func([]queue.DeleteEntry) (queue.BatchResult, error) {
			return queue.BatchResult{}, queue.NewTransportError("delete batch", "orders-dlq", errors.New("timeout"))
		},
	}
	e = newTestEngine(t, client, testConfig())
	if _, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1")}); !queue.IsTransportError(err) {
		t.Fatalf("expected delete transport error, got %v", err)
	}
}

func TestRedrive_Preconditions(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	if _, err := e.Redrive(context.Background(), "", "orders-dlq", []queue.Message{msg("1")}); !errors.Is(err, queue.ErrUnresolvedQueue) {
		t.Fatalf("expected unresolved primary, got %v", err)
	}
	if _, err := e.Redrive(context.Background(), "orders", "", []queue.Message{msg("1")}); !errors.Is(err, queue.ErrUnresolvedQueue) {
		t.Fatalf("expected unresolved dlq, got %v", err)
	}
	if _, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{{Body: "x"}}); err == nil {
		t.Fatal("expected missing id error")
	}
	_, err := e.Redrive(context.Background(), "orders", "orders-dlq", []queue.Message{msg("1"), msg("1")})
	if err == nil || !strings.Contains(err.Error(), "appears twice") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if client.mutations() != 0 {
		t.Fatalf("precondition errors must not reach the network, got %d calls", client.mutations())
	}
}

func TestRedrive_RunsToCompletionAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{
		sendFn: func(entries []queue.SendEntry) (queue.BatchResult, error) {
			cancel()
			return succeedAll(keysOfSend(entries)), nil
		},
	}
	e := newTestEngine(t, client, testConfig())

	outcome, err := e.Redrive(ctx, "orders", "orders-dlq", []queue.Message{msg("1")})
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if outcome.Retried != 1 || client.deleteCalls != 1 {
		t.Fatalf("expected delete to run after cancellation, got %#v with %d deletes", outcome, client.deleteCalls)
	}
}

func TestRedrive_CancelledBeforeSendMakesNoCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	_, err := e.Redrive(ctx, "orders", "orders-dlq", []queue.Message{msg("1")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if client.mutations() != 0 {
		t.Fatalf("expected no send or delete, got %d calls", client.mutations())
	}
}

func TestRedrive_FreshDeduplicationID(t *testing.T) {
	client := &scriptedClient{}
	cfg := testConfig()
	cfg.FreshDeduplicationID = true
	e := newTestEngine(t, client, cfg)

	fifo := msg("1")
	fifo.SystemAttributes = map[string]string{
		queue.SystemAttributeGroupID:         "group-1",
		queue.SystemAttributeDeduplicationID: "dedup-1",
	}
	standard := msg("2")
	if _, err := e.Redrive(context.Background(), "orders.fifo", "orders-dlq.fifo", []queue.Message{fifo, standard}); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	entries := client.sent[0]
	if entries[0].GroupID != "group-1" {
		t.Fatalf("expected group id to be kept, got %#v", entries[0])
	}
	if entries[0].DeduplicationID == "" || entries[0].DeduplicationID == "dedup-1" {
		t.Fatalf("expected a fresh deduplication id, got %q", entries[0].DeduplicationID)
	}
	if entries[1].DeduplicationID != "" {
		t.Fatalf("standard messages must not get a deduplication id, got %q", entries[1].DeduplicationID)
	}
}

func TestRedrive_PropagatesFIFOAttributes(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	m := msg("1")
	m.Attributes = map[string]queue.Attribute{"trace": {DataType: "String", StringValue: "abc"}}
	m.SystemAttributes = map[string]string{
		queue.SystemAttributeGroupID:         "group-1",
		queue.SystemAttributeDeduplicationID: "dedup-1",
	}
	if _, err := e.Redrive(context.Background(), "orders.fifo", "orders-dlq.fifo", []queue.Message{m}); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	entry := client.sent[0][0]
	if entry.GroupID != "group-1" || entry.DeduplicationID != "dedup-1" {
		t.Fatalf("expected FIFO ids to be propagated, got %#v", entry)
	}
	if entry.Attributes["trace"].StringValue != "abc" {
		t.Fatalf("expected attributes to be propagated, got %#v", entry.Attributes)
	}
}
