// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters for fork hook activity.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Reasons an old master was not signalled.
const (
	SkipAbsent = "absent"
	SkipGone   = "gone"
	SkipSelf   = "self"
)

// Registry holds every prefork counter. It is separate from the default
// registerer so textfile exports carry only prefork series.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	hookInvocations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_hook_invocations_total",
			Help: "Total fork hook handler invocations by event, handler and result",
		},
		[]string{"event", "handler", "result"},
	)

	oldMasterSignals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_old_master_signals_total",
			Help: "Total signals sent to a previous master by signal name",
		},
		[]string{"signal"},
	)

	oldMasterSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_old_master_skipped_total",
			Help: "Total times the previous master was not signalled, by reason",
		},
		[]string{"reason"},
	)

	configReloads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_config_reloads_total",
			Help: "Total configuration reloads by result",
		},
		[]string{"result"},
	)
)

// RecordHookInvocation counts one handler run.
// result should be ResultSuccess or ResultError.
func RecordHookInvocation(event, handler, result string) {
	hookInvocations.WithLabelValues(event, handler, result).Inc()
}

// RecordOldMasterSignal counts a signal sent to the previous master, e.g. "SIGQUIT".
func RecordOldMasterSignal(signal string) {
	oldMasterSignals.WithLabelValues(signal).Inc()
}

// RecordOldMasterSkipped counts a before_fork run that left the previous
// master alone. reason is one of SkipAbsent, SkipGone or SkipSelf.
func RecordOldMasterSkipped(reason string) {
	oldMasterSkipped.WithLabelValues(reason).Inc()
}

// RecordConfigReload counts a configuration reload attempt.
func RecordConfigReload(result string) {
	configReloads.WithLabelValues(result).Inc()
}

// ResultOf maps an error to a result label.
func ResultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

var defaultExporter = NewExporter(Registry)

// WriteTextfile adds this process's counters to the textfile at path.
// An empty path disables the export.
func WriteTextfile(ctx context.Context, path string) error {
	return defaultExporter.WriteTextfile(ctx, path)
}
