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

package metrics

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/tombee/prefork/internal/lifecycle"
)

// Exporter maintains a node_exporter textfile shared by many short-lived
// hook processes. Each write adds the counter increments this process has
// not yet exported to the totals already in the file, so the file holds
// running totals across invocations.
type Exporter struct {
	gatherer prometheus.Gatherer

	mu      sync.Mutex
	flushed map[string]float64
}

// NewExporter returns an exporter for the counters in g.
func NewExporter(g prometheus.Gatherer) *Exporter {
	return &Exporter{gatherer: g, flushed: make(map[string]float64)}
}

// WriteTextfile merges the pending increments into path. Writers are
// serialized through an flock on "<path>.lock" and the file is replaced
// atomically. An empty path disables the export.
func (e *Exporter) WriteTextfile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	gathered, err := e.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	lock, err := lifecycle.LockFile(ctx, path+".lock")
	if err != nil {
		return fmt.Errorf("failed to lock metrics textfile: %w", err)
	}
	defer lock.Unlock()

	families, err := readTextfile(path)
	if err != nil {
		return err
	}

	pending := make(map[string]float64)
	for _, mf := range gathered {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := seriesKey(mf.GetName(), m.GetLabel())
			value := m.GetCounter().GetValue()
			if delta := value - e.flushed[key]; delta > 0 {
				addCounter(families, mf, m.GetLabel(), delta)
			}
			pending[key] = value
		}
	}

	if err := writeTextfile(path, families); err != nil {
		return err
	}
	for key, value := range pending {
		e.flushed[key] = value
	}
	return nil
}

func readTextfile(path string) (map[string]*dto.MetricFamily, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*dto.MetricFamily), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics textfile: %w", err)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics textfile %s: %w", path, err)
	}
	return families, nil
}

// addCounter adds delta to the series of src named by labels in families,
// creating the family or series when the file does not have it yet.
func addCounter(families map[string]*dto.MetricFamily, src *dto.MetricFamily, labels []*dto.LabelPair, delta float64) {
	name := src.GetName()
	mf, ok := families[name]
	if !ok {
		typ := dto.MetricType_COUNTER
		mf = &dto.MetricFamily{Name: &name, Help: src.Help, Type: &typ}
		families[name] = mf
	}

	key := seriesKey(name, labels)
	for _, m := range mf.Metric {
		if seriesKey(name, m.GetLabel()) != key {
			continue
		}
		total := m.GetCounter().GetValue() + delta
		m.Counter = &dto.Counter{Value: &total}
		return
	}

	value := delta
	mf.Metric = append(mf.Metric, &dto.Metric{Label: labels, Counter: &dto.Counter{Value: &value}})
}

func writeTextfile(path string, families map[string]*dto.MetricFamily) error {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		mf := families[name]
		sort.Slice(mf.Metric, func(i, j int) bool {
			return seriesKey(name, mf.Metric[i].GetLabel()) < seriesKey(name, mf.Metric[j].GetLabel())
		})
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create metrics textfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace metrics textfile: %w", err)
	}
	return nil
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	pairs := make([]string, 0, len(labels))
	for _, lp := range labels {
		pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
