package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/hostfuncs"
	"github.com/reglet-dev/filament-host/metrics"
)

// serve performs one request. It reports false when the request produces
// no response event.
func (g *Gateway) serve(ctx context.Context, ctxID string, req request) (entities.Event, bool) {
	var resp entities.Event
	var err error
	switch p := req.payload.(type) {
	case entities.HTTPRequestPayload:
		resp, err = g.serveHTTP(ctx, ctxID, req.event, p)
	case entities.ToolInvoke:
		resp, err = g.serveTool(ctx, ctxID, req.event, p)
	case entities.KVUpdate:
		err = g.serveKV(ctx, ctxID, req.event, p)
	case entities.EnvGet:
		resp, err = g.serveEnv(req.event, p)
	default:
		err = ferrors.New(ferrors.Internal, "gateway.serve", "unexpected payload %T", req.payload)
	}
	if limit := g.config.maxEventBytes; err == nil && limit > 0 && uint64(len(resp.Payload)) > limit {
		err = ferrors.New(ferrors.DataTooLarge, "gateway."+req.service,
			"response payload is %d bytes, limit %d", len(resp.Payload), limit)
	}

	if err != nil {
		g.config.metrics.IncGatewayRequest(req.service, metrics.OutcomeFailed)
		g.config.logger.Warn("gateway request failed",
			slog.String("context_id", ctxID),
			slog.String("service", req.service),
			slog.Uint64("event_id", req.event.ID),
			slog.Any("error", err))
		return sysError(req.event, err), true
	}
	g.config.metrics.IncGatewayRequest(req.service, metrics.OutcomeOK)
	if resp.TypeURI == "" {
		return entities.Event{}, false
	}
	return resp, true
}

func (g *Gateway) serveHTTP(ctx context.Context, ctxID string, e entities.Event, p entities.HTTPRequestPayload) (entities.Event, error) {
	if g.config.http == nil {
		return entities.Event{}, ferrors.New(ferrors.NotConfigured, "gateway.http", "no http client configured")
	}
	body := p.Body
	if p.BodyType == entities.BodyBlob {
		if g.config.blobs == nil {
			return entities.Event{}, ferrors.New(ferrors.NotConfigured, "gateway.http", "blob bodies are not enabled")
		}
		space := g.config.blobs.Space(ctxID)
		size, err := space.Size(p.BodyBlob)
		if err != nil {
			return entities.Event{}, err
		}
		if body, err = space.Read(p.BodyBlob, 0, size); err != nil {
			return entities.Event{}, err
		}
	}

	start := time.Now()
	resp, err := g.config.http.Do(ctx, ports.HTTPRequest{
		Method:  p.Method,
		URL:     p.URL,
		Headers: p.Headers,
		Body:    body,
		Timeout: int(p.TimeoutMs),
	})
	if err != nil {
		return entities.Event{}, err
	}
	return response(e, entities.URIHTTPResponse, entities.HTTPResponsePayload{
		Status:    uint32(resp.StatusCode),
		Headers:   resp.Headers,
		Body:      resp.Body,
		LatencyNs: uint64(time.Since(start)),
	})
}

// serveTool runs a tool. Failures to route or validate the call are
// sys.error events; a handler that ran and failed yields a tool.result
// with the error status and the message as output.
func (g *Gateway) serveTool(ctx context.Context, ctxID string, e entities.Event, p entities.ToolInvoke) (entities.Event, error) {
	if g.config.tools == nil {
		return entities.Event{}, ferrors.New(ferrors.NotConfigured, "gateway.tool", "no tool executor configured")
	}
	input, err := json.Marshal(p.Input)
	if err != nil {
		return entities.Event{}, ferrors.Wrap(ferrors.InvalidArgument, "gateway.tool", err)
	}
	if p.Input.Kind == entities.KindUnit {
		input = nil
	}

	tctx := hostfuncs.WithContextID(ctx, ctxID)
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	out, err := g.config.tools.Invoke(tctx, p.ToolName, input)
	result := entities.ToolResult{ToolName: p.ToolName, DurationNs: uint64(time.Since(start))}
	switch code := ferrors.CodeOf(err); {
	case err == nil:
		if len(out) > 0 {
			if jerr := json.Unmarshal(out, &result.Output); jerr != nil {
				result.Output = entities.Bytes(out)
			}
		}
	case code == ferrors.NotFound || code == ferrors.InvalidArgument || code == ferrors.NotConfigured:
		return entities.Event{}, err
	default:
		result.Status = entities.ToolStatusError
		result.Output = entities.String(err.Error())
	}
	return response(e, entities.URIToolResult, result)
}

func (g *Gateway) serveKV(ctx context.Context, ctxID string, e entities.Event, p entities.KVUpdate) error {
	if g.config.kv == nil {
		return ferrors.New(ferrors.NotConfigured, "gateway.kv", "no kv store configured")
	}
	_, err := g.config.kv.Apply(ctx, ctxID, e.OpCode, p)
	return err
}

func (g *Gateway) serveEnv(e entities.Event, p entities.EnvGet) (entities.Event, error) {
	v, ok := g.config.env.LookupEnv(p.Key)
	return response(e, entities.URIEnvGet, entities.EnvGet{Key: p.Key, Value: v, Found: ok})
}

func response(req entities.Event, uri string, payload any) (entities.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return entities.Event{}, ferrors.Wrap(ferrors.Internal, "gateway.response", err)
	}
	return entities.Event{
		TypeURI:       uri,
		RefID:         req.ID,
		Payload:       data,
		PayloadFormat: entities.FormatJSON,
		Trace:         req.Trace,
	}, nil
}

// sysError builds the filament.sys.error answering req.
func sysError(req entities.Event, err error) entities.Event {
	payload, _ := json.Marshal(entities.SystemError{
		Code:    int32(ferrors.CodeOf(err)),
		Message: err.Error(),
		Detail:  ferrors.ToErrorDetail(err),
	})
	return entities.Event{
		TypeURI:       entities.URISysError,
		RefID:         req.ID,
		Payload:       payload,
		PayloadFormat: entities.FormatJSON,
		Trace:         req.Trace,
	}
}
