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

package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/prefork/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TracingConfig{}, "dev", nil)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Console(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(context.Background(), config.TracingConfig{Exporter: config.ExporterConsole}, "1.2.3", &buf)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "hooks.dispatch")
	assert.True(t, span.IsRecording())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name": "hooks.dispatch"`)
	assert.Contains(t, out, ServiceName)
	assert.Contains(t, out, "1.2.3")
}

func TestNewProvider_ZeroSampleRate(t *testing.T) {
	rate := 0.0
	var buf bytes.Buffer
	p, err := NewProvider(context.Background(),
		config.TracingConfig{Exporter: config.ExporterConsole, SampleRate: &rate}, "dev", &buf)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr string
	}{
		{name: "console", cfg: config.TracingConfig{Exporter: config.ExporterConsole}},
		{name: "otlp grpc insecure", cfg: config.TracingConfig{Exporter: config.ExporterOTLP, Endpoint: "127.0.0.1:4317", Insecure: true}},
		{name: "otlp grpc tls", cfg: config.TracingConfig{Exporter: config.ExporterOTLP, Endpoint: "collector:4317", Headers: map[string]string{"x-team": "web"}}},
		{name: "otlp http", cfg: config.TracingConfig{Exporter: config.ExporterOTLPHTTP, Endpoint: "127.0.0.1:4318", Insecure: true}},
		{name: "unknown", cfg: config.TracingConfig{Exporter: "zipkin"}, wantErr: `unsupported trace exporter "zipkin"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter, err := NewExporter(context.Background(), tt.cfg, &bytes.Buffer{})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, exporter.Shutdown(context.Background()))
		})
	}
}

func TestNewSampler(t *testing.T) {
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "op",
	}

	assert.Equal(t, sdktrace.RecordAndSample, NewSampler(1).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.Drop, NewSampler(0).ShouldSample(params).Decision)
	assert.Contains(t, NewSampler(0.5).Description(), "TraceIDRatioBased")
}
