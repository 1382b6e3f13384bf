package snsctx

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
)

type ctxIndex int

const ctxIndexVerbose ctxIndex = iota

func IsVerbose(ctx context.Context) bool {
	val := ctx.Value(ctxIndexVerbose)
	if val == nil {
		return false
	}
	return val.(bool)
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// DumpFrame logs the payload of a bus frame at debug level when the context
// is verbose.
func DumpFrame(ctx context.Context, op string, address byte, data []byte) {
	if !IsVerbose(ctx) {
		return
	}
	slog.Debug("bus frame", "op", op, "addr", fmt.Sprintf("%#x", address), "len", len(data), "data", hex.EncodeToString(data))
}
