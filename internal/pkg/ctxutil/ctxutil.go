package ctxutil

import "context"

// Default returns context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, data *TraceData) context.Context {
	if data == nil {
		return ctx
	}
	return context.WithValue(Default(ctx), traceDataKey{}, data)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	val := ctx.Value(traceDataKey{})
	td, ok := val.(*TraceData)
	if !ok {
		return nil
	}
	return td
}
