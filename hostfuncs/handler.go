package hostfuncs

import (
	"context"
	"encoding/json"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// ToolFunc is a typed tool implementation.
type ToolFunc[Req any, Resp any] func(context.Context, Req) (Resp, error)

// ByteHandler takes a JSON input document and returns a JSON output document.
type ByteHandler func(context.Context, []byte) ([]byte, error)

// NewJSONHandler wraps a typed ToolFunc into a ByteHandler.
//
//	h := hostfuncs.NewJSONHandler(func(ctx context.Context, req SumRequest) (SumResponse, error) {
//	    return SumResponse{Total: req.A + req.B}, nil
//	})
func NewJSONHandler[Req any, Resp any](fn ToolFunc[Req, Resp]) ByteHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, ferrors.Wrap(ferrors.InvalidArgument, "tool.decode", err)
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Internal, "tool.encode", err)
		}
		return out, nil
	}
}
