package middleware

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

// Default tracer name for Tether servers.
const defaultTracerName = "tether"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "tether").
	TracerName string

	// TracerProvider supplies the tracer.
	// Default: the global provider from otel.GetTracerProvider.
	TracerProvider trace.TracerProvider

	// IncludeRemoteAddr records the peer address on each span.
	// Enabled by default.
	IncludeRemoteAddr bool

	// AttributeExtractor adds custom attributes from the result.
	AttributeExtractor func(ctx context.Context, res server.DispatchResult) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeRemoteAddr enables/disables the peer address attribute.
func WithIncludeRemoteAddr(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeRemoteAddr = include
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ctx context.Context, res server.DispatchResult) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName:        defaultTracerName,
		IncludeRemoteAddr: true,
	}
}

// OpenTelemetry creates middleware that traces every handshake.
//
// Each span carries the connection id and, once dispatch returns, the
// outcome and client id. Malformed handshakes and id exhaustion set an error
// status; other rejections are normal protocol outcomes.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given.
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return func(next server.DispatchFunc) server.DispatchFunc {
		return func(ctx context.Context, conn transport.Conn) server.DispatchResult {
			attrs := []attribute.KeyValue{
				attribute.String("tether.conn_id", server.ConnIDFromContext(ctx)),
			}
			if config.IncludeRemoteAddr {
				attrs = append(attrs, attribute.String("tether.remote_addr", conn.RemoteAddr()))
			}

			ctx, span := tracer.Start(ctx, "tether.handshake",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			res := next(ctx, conn)

			span.SetAttributes(
				attribute.String("tether.outcome", res.Outcome.String()),
				attribute.String("tether.client_id", strconv.FormatInt(res.ClientID, 10)),
			)
			if config.AttributeExtractor != nil {
				span.SetAttributes(config.AttributeExtractor(ctx, res)...)
			}

			switch res.Outcome {
			case server.OutcomeRejectedMalformed, server.OutcomeRejectedExhausted:
				if res.Err != nil {
					span.RecordError(res.Err)
					span.SetStatus(codes.Error, res.Err.Error())
				} else {
					span.SetStatus(codes.Error, res.Outcome.String())
				}
			default:
				span.SetStatus(codes.Ok, "")
			}
			return res
		}
	}
}
