package abi

import (
	"encoding/json"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// structPayload converts a FormatStruct payload of a well-known type into
// its JSON form while the memory it points into is still valid. Payloads of
// other types are left untouched.
func (r *Reader) structPayload(e *entities.Event) error {
	id, known := entities.TypeForURI(e.Kind())
	if !known {
		return nil
	}
	size, known := stdRecordSize[id]
	if !known {
		return nil
	}
	b := e.Payload
	if uint64(len(b)) < size {
		return shortRecord(e.Kind(), len(b), int(size))
	}

	var out any
	var err error
	switch id {
	case entities.TypeContextPrune:
		out = entities.ContextPrune{BeforeIdx: u64(b, 16)}
	case entities.TypeSysError:
		out, err = r.sysError(b)
	case entities.TypeHTTPRequest:
		out, err = r.httpRequest(b)
	case entities.TypeToolInvoke:
		out, err = r.toolInvoke(b)
	case entities.TypeKVUpdate:
		out, err = r.kvUpdate(b)
	case entities.TypeEnvGet:
		var key string
		key, err = r.String(getRef(b, 16))
		out = entities.EnvGet{Key: key}
	case entities.TypeBlob:
		var mime string
		mime, err = r.String(getRef(b, 32))
		out = entities.BlobPayload{BlobID: u64(b, 16), Size: u64(b, 24), MimeType: mime}
	default:
		return nil
	}
	if err != nil {
		return err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return invalid("abi.struct", "%s: %v", e.Kind(), err)
	}
	e.Payload = raw
	e.PayloadSize = uint64(len(raw))
	e.PayloadFormat = entities.FormatJSON
	return nil
}

func (r *Reader) sysError(b []byte) (entities.SystemError, error) {
	msg, err := r.String(getRef(b, 24))
	if err != nil {
		return entities.SystemError{}, err
	}
	details, err := r.chain(entities.Address(u64(b, 40)))
	if err != nil {
		return entities.SystemError{}, err
	}
	return entities.SystemError{Code: int32(u32(b, 16)), Message: msg, Details: details}, nil
}

func (r *Reader) httpRequest(b []byte) (entities.HTTPRequestPayload, error) {
	var req entities.HTTPRequestPayload
	var err error
	if req.Method, err = r.String(getRef(b, 16)); err != nil {
		return req, err
	}
	if req.URL, err = r.String(getRef(b, 32)); err != nil {
		return req, err
	}
	req.TimeoutMs = u32(b, 52)
	pairs, err := r.pairs(StringRef{Ptr: entities.Address(u64(b, 56)), Len: uint64(u32(b, 48))}, 0)
	if err != nil {
		return req, err
	}
	if len(pairs) > 0 {
		req.Headers = make(map[string]string, len(pairs))
		for _, p := range pairs {
			s, _ := p.Value.AsString()
			req.Headers[p.Key] = s
		}
	}
	req.BodyType = u32(b, 64)
	bodyLen := u64(b, 80)
	if req.BodyType == entities.BodyBlob {
		req.BodyBlob = u64(b, 72)
		return req, nil
	}
	req.Body, err = r.Bytes(StringRef{Ptr: entities.Address(u64(b, 72)), Len: bodyLen}, r.config.maxPayload)
	return req, err
}

func (r *Reader) toolInvoke(b []byte) (entities.ToolInvoke, error) {
	name, err := r.String(getRef(b, 16))
	if err != nil {
		return entities.ToolInvoke{}, err
	}
	input, err := r.value(b[32:32+ValueSize], 0)
	if err != nil {
		return entities.ToolInvoke{}, err
	}
	return entities.ToolInvoke{ToolName: name, Input: input, TimeoutMs: u32(b, 64)}, nil
}

func (r *Reader) kvUpdate(b []byte) (entities.KVUpdate, error) {
	key, err := r.String(getRef(b, 16))
	if err != nil {
		return entities.KVUpdate{}, err
	}
	val, err := r.Bytes(StringRef{Ptr: entities.Address(u64(b, 40)), Len: u64(b, 48)}, r.config.maxPayload)
	if err != nil {
		return entities.KVUpdate{}, err
	}
	return entities.KVUpdate{Key: key, Mode: u32(b, 32), Value: val}, nil
}
