package weave

import (
	"encoding/binary"

	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// traceVersion is the W3C traceparent version carried in TraceContext.
const traceVersion = 0

// SpanContext converts a boundary trace context. The result is invalid
// when tc is zero.
func SpanContext(tc entities.TraceContext) trace.SpanContext {
	var tid trace.TraceID
	binary.BigEndian.PutUint64(tid[:8], tc.TraceHi)
	binary.BigEndian.PutUint64(tid[8:], tc.TraceLo)
	var sid trace.SpanID
	binary.BigEndian.PutUint64(sid[:], tc.SpanID)
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.TraceFlags(tc.Flags),
		Remote:     true,
	})
}

// TraceContext converts a span context to its boundary form. An invalid
// span context yields the zero value.
func TraceContext(sc trace.SpanContext) entities.TraceContext {
	if !sc.IsValid() {
		return entities.TraceContext{}
	}
	tid := sc.TraceID()
	sid := sc.SpanID()
	return entities.TraceContext{
		Version: traceVersion,
		Flags:   uint8(sc.TraceFlags()),
		TraceHi: binary.BigEndian.Uint64(tid[:8]),
		TraceLo: binary.BigEndian.Uint64(tid[8:]),
		SpanID:  binary.BigEndian.Uint64(sid[:]),
	}
}
