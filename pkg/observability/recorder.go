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

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = &PrometheusMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics is the recorder used across the gateway. The zero
// PrometheusMetrics value satisfies it as a no-op.
type Metrics interface {
	RecordGeneration(ctx context.Context, game string, duration time.Duration, tokens int, err error)
	RecordTrim(ctx context.Context, game, mode string)
	RecordWSMessage(ctx context.Context, direction, command string)
	RecordActionResult(ctx context.Context, game string, success bool)
	RecordEvent(ctx context.Context, game, event string)
	AddQueueDepth(ctx context.Context, game string, delta int)
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetMetrics returns the process-wide recorder.
func GetMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

type PrometheusMetrics struct {
	generationDuration metric.Float64Histogram
	generationTokens   metric.Int64Counter
	generationErrors   metric.Int64Counter
	contextTrims       metric.Int64Counter
	wsMessages         metric.Int64Counter
	actionResults      metric.Int64Counter
	schedulerEvents    metric.Int64Counter
	queueDepth         metric.Int64UpDownCounter
}

func NewPrometheusMetrics(
	generationDuration metric.Float64Histogram,
	generationTokens metric.Int64Counter,
	generationErrors metric.Int64Counter,
	contextTrims metric.Int64Counter,
	wsMessages metric.Int64Counter,
	actionResults metric.Int64Counter,
	schedulerEvents metric.Int64Counter,
	queueDepth metric.Int64UpDownCounter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		generationDuration: generationDuration,
		generationTokens:   generationTokens,
		generationErrors:   generationErrors,
		contextTrims:       contextTrims,
		wsMessages:         wsMessages,
		actionResults:      actionResults,
		schedulerEvents:    schedulerEvents,
		queueDepth:         queueDepth,
	}
}

func (m *PrometheusMetrics) RecordGeneration(ctx context.Context, game string, duration time.Duration, tokens int, err error) {
	if m == nil || m.generationDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("game", game))
	m.generationDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.generationTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.generationErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordTrim(ctx context.Context, game, mode string) {
	if m == nil || m.contextTrims == nil {
		return
	}
	m.contextTrims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("game", game),
		attribute.String("mode", mode),
	))
}

func (m *PrometheusMetrics) RecordWSMessage(ctx context.Context, direction, command string) {
	if m == nil || m.wsMessages == nil {
		return
	}
	m.wsMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("command", command),
	))
}

func (m *PrometheusMetrics) RecordActionResult(ctx context.Context, game string, success bool) {
	if m == nil || m.actionResults == nil {
		return
	}
	m.actionResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("game", game),
		attribute.Bool("success", success),
	))
}

func (m *PrometheusMetrics) RecordEvent(ctx context.Context, game, event string) {
	if m == nil || m.schedulerEvents == nil {
		return
	}
	m.schedulerEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("game", game),
		attribute.String("event", event),
	))
}

func (m *PrometheusMetrics) AddQueueDepth(ctx context.Context, game string, delta int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, int64(delta), metric.WithAttributes(attribute.String("game", game)))
}
