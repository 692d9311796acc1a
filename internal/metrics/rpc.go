package metrics

import (
	"strings"
	"time"
)

// Instrument records request count and duration for a single RPC
// operation. Callers defer the returned func, passing the error (if
// any) produced by the operation.
//
//	done := metrics.Instrument("send_message")
//	defer func() { done(err) }()
func Instrument(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		code := "ok"
		if err != nil {
			code = "error"
		}
		RPCRequestsTotal.WithLabelValues(operation, code).Inc()
		RPCRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// OperationFromPath extracts the broker operation name from an RPC
// path like "/rpc/send_message", returning "unknown" for anything
// that doesn't follow that convention.
func OperationFromPath(path string) string {
	const prefix = "/rpc/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	op := strings.TrimPrefix(path, prefix)
	if op == "" {
		return "unknown"
	}
	return op
}
