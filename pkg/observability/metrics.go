// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry metrics to a Prometheus
// exporter. The exporter feeds the default Prometheus registry, which
// the HTTP server exposes on /metrics.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// InitMetrics builds the Prometheus-backed metrics recorder. A disabled
// config yields a recorder whose methods are all no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("gamelink")

	generationDuration, err := meter.Float64Histogram(
		"gamelink_generation_duration_seconds",
		metric.WithDescription("Constrained generation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation duration histogram: %w", err)
	}

	generationTokens, err := meter.Int64Counter(
		"gamelink_generation_tokens_total",
		metric.WithDescription("Total tokens produced by generations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation tokens counter: %w", err)
	}

	generationErrors, err := meter.Int64Counter(
		"gamelink_generation_errors_total",
		metric.WithDescription("Total failed generations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation errors counter: %w", err)
	}

	contextTrims, err := meter.Int64Counter(
		"gamelink_context_trims_total",
		metric.WithDescription("Context evictions, partial trims and full resets"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create context trims counter: %w", err)
	}

	wsMessages, err := meter.Int64Counter(
		"gamelink_ws_messages_total",
		metric.WithDescription("WebSocket messages by direction and command"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws messages counter: %w", err)
	}

	actionResults, err := meter.Int64Counter(
		"gamelink_action_results_total",
		metric.WithDescription("Action results by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create action results counter: %w", err)
	}

	schedulerEvents, err := meter.Int64Counter(
		"gamelink_scheduler_events_total",
		metric.WithDescription("Scheduler events dispatched by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler events counter: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"gamelink_scheduler_queue_depth",
		metric.WithDescription("Events waiting in per-game scheduler queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth counter: %w", err)
	}

	return NewPrometheusMetrics(
		generationDuration,
		generationTokens,
		generationErrors,
		contextTrims,
		wsMessages,
		actionResults,
		schedulerEvents,
		queueDepth,
	), nil
}
