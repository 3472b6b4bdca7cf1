package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
	"github.com/nimburion/redrive/pkg/queue/memqueue"
)

type checkableFunc func(ctx context.Context) error

func (f checkableFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Check(context.Context) CheckResult {
	return CheckResult{Name: c.name, Status: c.status}
}

func (c staticChecker) Name() string { return c.name }

func TestRegistry_CheckAggregates(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty", want: StatusHealthy},
		{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy},
		{name: "degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded},
		{name: "unhealthy wins", statuses: []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, status := range tt.statuses {
				r.Register(staticChecker{name: string(rune('a' + i)), status: status})
			}
			result := r.Check(context.Background())
			if result.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, result.Status)
			}
			if len(result.Checks) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(result.Checks))
			}
			for i := 1; i < len(result.Checks); i++ {
				if result.Checks[i-1].Name > result.Checks[i].Name {
					t.Fatal("expected results sorted by name")
				}
			}
			if result.IsHealthy() != (tt.want == StatusHealthy) {
				t.Fatal("IsHealthy disagrees with status")
			}
		})
	}
}

func TestRegistry_RegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker{name: "dlq", status: StatusUnhealthy})
	r.Register(staticChecker{name: "dlq", status: StatusHealthy})

	result := r.Check(context.Background())
	if len(result.Checks) != 1 || !result.IsHealthy() {
		t.Fatalf("expected the replacement checker only, got %#v", result)
	}
}

func TestQueueChecker(t *testing.T) {
	broker := memqueue.New()
	checker := NewQueueChecker("dlq", broker, "orders-dlq", 0)

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy || result.Metadata["queue"] != "orders-dlq" {
		t.Fatalf("unexpected result: %#v", result)
	}

	unresolved := NewQueueChecker("primary", broker, queue.Ref(""), time.Second).Check(context.Background())
	if unresolved.Status != StatusUnhealthy || unresolved.Error == "" {
		t.Fatalf("expected unhealthy result for unresolved queue, got %#v", unresolved)
	}
}

func TestAdapterChecker_TimeoutAndError(t *testing.T) {
	slow := NewAdapterChecker("archive", checkableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond)
	if result := slow.Check(context.Background()); result.Status != StatusUnhealthy {
		t.Fatalf("expected timeout to be unhealthy, got %#v", result)
	}

	failing := NewAdapterChecker("archive", checkableFunc(func(context.Context) error {
		return errors.New("access denied")
	}), 0)
	result := failing.Check(context.Background())
	if result.Error != "access denied" || failing.Name() != "archive" {
		t.Fatalf("unexpected result: %#v", result)
	}
}
