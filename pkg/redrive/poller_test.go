package redrive

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, testConfig(), &mockLogger{}); err == nil {
		t.Fatal("expected missing client error")
	}
	if _, err := New(&scriptedClient{}, testConfig(), nil); err == nil {
		t.Fatal("expected missing logger error")
	}
	cfg := testConfig()
	cfg.RateLimit = -1
	if _, err := New(&scriptedClient{}, cfg, &mockLogger{}); err == nil {
		t.Fatal("expected negative rate limit error")
	}
}

func TestNew_NormalizesConfig(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{}, Config{Primary: "p", DLQ: "d", MaxMessages: 50, Stagger: -time.Second})
	cfg := e.Config()
	if cfg.Branches != DefaultBranches {
		t.Fatalf("expected %d branches, got %d", DefaultBranches, cfg.Branches)
	}
	if cfg.MaxMessages != queue.MaxBatchSize {
		t.Fatalf("expected max messages capped at %d, got %d", queue.MaxBatchSize, cfg.MaxMessages)
	}
	if cfg.Stagger != 0 {
		t.Fatalf("expected negative stagger to become zero, got %v", cfg.Stagger)
	}
	if cfg.ListVisibility != DefaultListVisibility || cfg.RedriveVisibility != DefaultRedriveVisibility {
		t.Fatalf("unexpected visibility defaults: %v %v", cfg.ListVisibility, cfg.RedriveVisibility)
	}
}

// Two branches each return M plus one unique message: the merged set holds three IDs.
func TestPoll_DeduplicatesOverlappingBranches(t *testing.T) {
	client := &scriptedClient{receives: [][]queue.Message{
		{msg("M"), msg("A")},
		{msg("M"), msg("B")},
	}}
	cfg := testConfig()
	cfg.Branches = 2
	e := newTestEngine(t, client, cfg)

	set, err := e.Poll(context.Background(), cfg.DLQ, PollOptions{})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 distinct messages, got %d", set.Len())
	}
	ids := []string{}
	for _, m := range set.Messages() {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	if ids[0] != "A" || ids[1] != "B" || ids[2] != "M" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestPoll_ReceiveOptionsAndStagger(t *testing.T) {
	client := &scriptedClient{}
	cfg := testConfig()
	cfg.Stagger = 200 * time.Millisecond
	cfg.WaitTime = 3 * time.Second

	var slept []time.Duration
	e := newTestEngine(t, client, cfg, WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	if _, err := e.Poll(context.Background(), cfg.DLQ, PollOptions{}); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if client.receiveCalls != 3 {
		t.Fatalf("expected 3 receive calls, got %d", client.receiveCalls)
	}
	if len(slept) != 2 || slept[0] != 200*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("expected two 200ms staggers between launches, got %v", slept)
	}
	want := queue.ReceiveOptions{MaxMessages: 10, WaitTime: 3 * time.Second, VisibilityTimeout: time.Second}
	if client.lastReceive != want {
		t.Fatalf("unexpected receive options: %#v", client.lastReceive)
	}

	if _, err := e.Poll(context.Background(), cfg.DLQ, PollOptions{VisibilityTimeout: 10 * time.Second}); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if client.lastReceive.VisibilityTimeout != 10*time.Second {
		t.Fatalf("expected visibility override, got %v", client.lastReceive.VisibilityTimeout)
	}
}

func TestPoll_ProgressAfterEachBranch(t *testing.T) {
	client := &scriptedClient{receives: [][]queue.Message{
		{msg("a"), msg("b")},
		{msg("b")},
		{msg("c")},
	}}
	e := newTestEngine(t, client, testConfig())

	var counts []int
	set, err := e.Poll(context.Background(), "orders-dlq", PollOptions{Progress: func(found int) {
		counts = append(counts, found)
	}})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("expected progress per branch, got %v", counts)
	}
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("progress must not decrease: %v", counts)
		}
	}
	if counts[2] != set.Len() || set.Len() != 3 {
		t.Fatalf("final progress %d must match set size %d", counts[2], set.Len())
	}
}

func TestPoll_BranchErrorFailsPoll(t *testing.T) {
	transport := queue.NewTransportError("receive", "orders-dlq", errors.New("connection reset"))
	client := &scriptedClient{
		recvErrs: []error{nil, transport},
		receives: [][]queue.Message{{msg("a")}},
	}
	e := newTestEngine(t, client, testConfig())

	set, err := e.Poll(context.Background(), "orders-dlq", PollOptions{})
	if err == nil {
		t.Fatal("expected poll error")
	}
	if set != nil {
		t.Fatal("expected no partial set")
	}
	if !queue.IsTransportError(err) {
		t.Fatalf("expected transport error to be preserved, got %v", err)
	}
	if client.receiveCalls != 3 {
		t.Fatalf("expected every branch to run, got %d", client.receiveCalls)
	}
}

func TestPoll_UnresolvedQueue(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(t, client, testConfig())

	_, err := e.Poll(context.Background(), " ", PollOptions{})
	if !errors.Is(err, queue.ErrUnresolvedQueue) {
		t.Fatalf("expected unresolved queue error, got %v", err)
	}
	if client.receiveCalls != 0 {
		t.Fatalf("expected no receive call, got %d", client.receiveCalls)
	}
}

func TestPoll_CancelledDuringStagger(t *testing.T) {
	client := &scriptedClient{}
	cfg := testConfig()
	cfg.Stagger = time.Hour
	e := newTestEngine(t, client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Poll(ctx, cfg.DLQ, PollOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if client.receiveCalls != 1 {
		t.Fatalf("expected only the first branch to launch, got %d", client.receiveCalls)
	}
}
