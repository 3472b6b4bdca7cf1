// Package metrics provides Prometheus metrics for redrive runs.
package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry manages Prometheus metrics registration and delivery.
// It includes the redrive collectors and Go runtime metrics by default.
type Registry struct {
	registry *prometheus.Registry
	redrive  *Redrive
}

// NewRegistry creates a new metrics registry with default collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	redrive := NewRedrive()

	reg.MustRegister(redrive.Collectors()...)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		registry: reg,
		redrive:  redrive,
	}
}

// Redrive returns the redrive collectors owned by this registry.
func (r *Registry) Redrive() *Redrive {
	return r.redrive
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers custom Prometheus collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Push sends every gathered metric to a Prometheus Pushgateway.
// CLI runs are too short-lived to be scraped, so this is called once before exit.
func (r *Registry) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		job = "redrive"
	}
	pusher := push.New(url, job).Gatherer(r.registry)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
