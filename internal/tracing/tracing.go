// Package tracing wires the process-wide opentracing tracer, grounded on
// internal/config/tracing.go.
package tracing

import (
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"gitlab.com/ci-platform/ciremote/internal/log"
)

// Configure sets up jaeger from the environment (JAEGER_* vars) as the
// global opentracing tracer used by internal/command around every spawned
// process. Returns a closer to flush spans on shutdown, or nil if tracing
// could not be configured (this is not fatal — spans are then no-ops).
func Configure(serviceName string) io.Closer {
	traceCfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Default().WithError(err).Info("tracing: skipping jaeger configuration")
		return nil
	}

	traceCfg.ServiceName = serviceName
	tracer, closer, err := traceCfg.NewTracer()
	if err != nil {
		log.Default().WithError(err).Warn("tracing: could not initialize jaeger tracer")
		return nil
	}

	opentracing.SetGlobalTracer(tracer)
	return closer
}
