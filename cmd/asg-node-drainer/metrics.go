package main

import (
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/pkg/errors"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/zap"

	"github.com/nebari-dev/asg-node-drainer/internal/coordinator"
	"github.com/nebari-dev/asg-node-drainer/internal/kubernetes"
)

// buildObservabilityServer registers the metric views and returns the runner
// serving /metrics and /healthz.
func buildObservabilityServer(listen string, logger *zap.Logger) (*HttpRunner, error) {
	var (
		noticesReceived = &view.View{
			Name:        "notices_received_total",
			Measure:     coordinator.MeasureNoticesReceived,
			Description: "Number of termination notices received.",
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{coordinator.TagKind, coordinator.TagGroupName},
		}
		nodesDrained = &view.View{
			Name:        "drained_nodes_total",
			Measure:     coordinator.MeasureNodesDrained,
			Description: "Number of node drains reaching a terminal status.",
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{coordinator.TagStatus, coordinator.TagResult, coordinator.TagGroupName},
		}
		drainLatency = &view.View{
			Name:        "drain_latency_milliseconds",
			Measure:     coordinator.MeasureDrainLatency,
			Description: "Time from notice receipt to terminal drain status.",
			Aggregation: view.Distribution(1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1800000),
			TagKeys:     []tag.Key{coordinator.TagStatus, coordinator.TagGroupName},
		}
		heartbeatsSent = &view.View{
			Name:        "heartbeats_sent_total",
			Measure:     coordinator.MeasureHeartbeats,
			Description: "Number of lifecycle heartbeat extensions sent.",
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{coordinator.TagGroupName},
		}
		completionsSent = &view.View{
			Name:        "lifecycle_completions_total",
			Measure:     coordinator.MeasureCompletions,
			Description: "Number of lifecycle action completions sent.",
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{coordinator.TagResult, coordinator.TagGroupName},
		}
	)
	if err := view.Register(noticesReceived, nodesDrained, drainLatency, heartbeatsSent, completionsSent); err != nil {
		return nil, errors.Wrap(err, "cannot register metric views")
	}

	p, err := prometheus.NewExporter(prometheus.Options{Namespace: kubernetes.Component, Registry: prom.NewRegistry()})
	if err != nil {
		return nil, errors.Wrap(err, "cannot export metrics")
	}
	view.RegisterExporter(p)

	return &HttpRunner{address: listen, logger: logger, h: map[string]http.Handler{
		"/metrics": p,
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { r.Body.Close() }), // nolint:errcheck // no err management in health check
	}}, nil
}
