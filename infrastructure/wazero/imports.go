package wazero

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/internal/abi"
	flog "github.com/reglet-dev/filament-host/log"
)

// imports implements the filament host module. Each handler works on a
// ports.Memory so it can be driven without a wasm engine.
type imports struct {
	logger      *slog.Logger
	maxTransfer uint64
}

func (h *imports) register(ctx context.Context, rt wazero.Runtime) error {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	b := rt.NewHostModuleBuilder(HostModule)

	export := func(name string, fn api.GoModuleFunc, params, results []api.ValueType) {
		b.NewFunctionBuilder().WithGoModuleFunction(fn, params, results).Export(name)
	}

	export("read_timeline", func(ctx context.Context, mod api.Module, stack []uint64) {
		err := h.readTimeline(ctx, memOf(ctx, mod), stack[1], stack[2], api.DecodeU32(stack[3]),
			entities.Address(stack[4]), entities.Address(stack[5]), entities.Address(stack[6]), entities.Address(stack[7]))
		stack[0] = h.status(ctx, "read_timeline", err)
	}, []api.ValueType{i64, i64, i64, i32, i64, i64, i64, i64, i64}, []api.ValueType{i32})

	export("read_blob", func(ctx context.Context, mod api.Module, stack []uint64) {
		err := h.readBlob(ctx, memOf(ctx, mod), stack[1], stack[2], stack[3],
			entities.Address(stack[4]), entities.Address(stack[5]))
		stack[0] = h.status(ctx, "read_blob", err)
	}, []api.ValueType{i64, i64, i64, i64, i64, i64}, []api.ValueType{i32})

	export("blob_create", func(ctx context.Context, _ api.Module, stack []uint64) {
		id, err := h.blobCreate(ctx, stack[1])
		if err != nil {
			h.status(ctx, "blob_create", err)
		}
		stack[0] = id
	}, []api.ValueType{i64, i64}, []api.ValueType{i64})

	export("blob_write", func(ctx context.Context, mod api.Module, stack []uint64) {
		err := h.blobWrite(ctx, memOf(ctx, mod), stack[1], stack[2], entities.Address(stack[3]), stack[4])
		stack[0] = h.status(ctx, "blob_write", err)
	}, []api.ValueType{i64, i64, i64, i64, i64}, []api.ValueType{i32})

	// The String key is passed by value as its two fields.
	export("kv_get", func(ctx context.Context, mod api.Module, stack []uint64) {
		key := abi.StringRef{Ptr: entities.Address(stack[1]), Len: stack[2]}
		err := h.kvGet(ctx, memOf(ctx, mod), key, entities.Address(stack[3]), entities.Address(stack[4]))
		stack[0] = h.status(ctx, "kv_get", err)
	}, []api.ValueType{i64, i64, i64, i64, i64}, []api.ValueType{i32})

	export("log", func(ctx context.Context, mod api.Module, stack []uint64) {
		msg := abi.StringRef{Ptr: entities.Address(stack[2]), Len: stack[3]}
		h.log(ctx, memOf(ctx, mod), api.DecodeU32(stack[1]), msg, entities.Address(stack[4]), stack[5])
	}, []api.ValueType{i64, i32, i64, i64, i64, i64}, nil)

	export("log_record", func(ctx context.Context, mod api.Module, stack []uint64) {
		h.logRecord(ctx, memOf(ctx, mod), abi.StringRef{Ptr: entities.Address(stack[1]), Len: stack[2]})
	}, []api.ValueType{i64, i64, i64}, nil)

	_, err := b.Instantiate(ctx)
	return err
}

func memOf(ctx context.Context, mod api.Module) guestMemory {
	return guestMemory{ctx: ctx, mod: wasmModule{mod: mod}}
}

// status converts a handler error into the int result of an import.
func (h *imports) status(ctx context.Context, name string, err error) uint64 {
	code := ferrors.CodeOf(err)
	if err != nil {
		h.logger.DebugContext(ctx, "host import failed", slog.String("import", name), slog.Any("error", err))
	}
	return api.EncodeI32(int32(code))
}

// writeOuts stores each value at its out address. Null out addresses are
// skipped.
func writeOuts(w *abi.Writer, outs ...outParam) error {
	for _, o := range outs {
		if o.at.IsNull() {
			continue
		}
		if err := w.U64(o.at, o.v); err != nil {
			return err
		}
	}
	return nil
}

type outParam struct {
	at entities.Address
	v  uint64
}

func (h *imports) readTimeline(ctx context.Context, mem ports.Memory, start, limit uint64, flags uint32,
	outBuf, outCount, outFirst, outBytes entities.Address) error {
	tc, err := turnFor(ctx, "read_timeline")
	if err != nil {
		return err
	}
	slice, err := tc.ReadTimeline(start, limit, entities.ReadFlags(flags))
	if err != nil {
		return err
	}
	// Guest memory is always a copy, so zero-copy reads degrade to copies.
	w := abi.NewWriter(mem)
	addr, n, err := w.Events(slice.Events)
	if err != nil {
		return err
	}
	return writeOuts(w,
		outParam{outBuf, uint64(addr)},
		outParam{outCount, uint64(len(slice.Events))},
		outParam{outFirst, slice.FirstIndex},
		outParam{outBytes, n},
	)
}

func (h *imports) readBlob(ctx context.Context, mem ports.Memory, id, offset, limit uint64, outPtr, outLen entities.Address) error {
	tc, err := turnFor(ctx, "read_blob")
	if err != nil {
		return err
	}
	data, err := tc.BlobRead(id, offset, min(limit, h.maxTransfer))
	if err != nil {
		return err
	}
	w := abi.NewWriter(mem)
	ref, err := w.Bytes(data)
	if err != nil {
		return err
	}
	return writeOuts(w, outParam{outPtr, uint64(ref.Ptr)}, outParam{outLen, ref.Len})
}

func (h *imports) blobCreate(ctx context.Context, sizeHint uint64) (uint64, error) {
	tc, err := turnFor(ctx, "blob_create")
	if err != nil {
		return 0, err
	}
	return tc.BlobCreate(sizeHint)
}

func (h *imports) blobWrite(ctx context.Context, mem ports.Memory, id, offset uint64, data entities.Address, n uint64) error {
	tc, err := turnFor(ctx, "blob_write")
	if err != nil {
		return err
	}
	b, err := abi.NewReader(mem).Bytes(abi.StringRef{Ptr: data, Len: n}, h.maxTransfer)
	if err != nil {
		return err
	}
	return tc.BlobWrite(id, offset, b)
}

func (h *imports) kvGet(ctx context.Context, mem ports.Memory, key abi.StringRef, outPtr, outLen entities.Address) error {
	tc, err := turnFor(ctx, "kv_get")
	if err != nil {
		return err
	}
	k, err := abi.NewReader(mem).String(key)
	if err != nil {
		return err
	}
	v, err := tc.KVGet(k)
	if err != nil {
		return err
	}
	w := abi.NewWriter(mem)
	ref, err := w.Bytes(v)
	if err != nil {
		return err
	}
	return writeOuts(w, outParam{outPtr, uint64(ref.Ptr)}, outParam{outLen, ref.Len})
}

func (h *imports) log(ctx context.Context, mem ports.Memory, level uint32, msg abi.StringRef, pairs entities.Address, count uint64) {
	r := abi.NewReader(mem)
	text, err := r.Bytes(msg, h.maxTransfer)
	if err != nil {
		h.logger.DebugContext(ctx, "unreadable plugin log message", slog.Any("error", err))
		return
	}
	var attrs []slog.Attr
	if count > 0 {
		decoded, err := r.Pairs(pairs, count)
		if err != nil {
			h.logger.DebugContext(ctx, "unreadable plugin log attributes", slog.Any("error", err))
		}
		for _, p := range decoded {
			attrs = append(attrs, slog.Any(p.Key, p.Value.Interface()))
		}
	}
	h.emit(ctx, flog.LevelFromABI(level), string(text), attrs)
}

func (h *imports) logRecord(ctx context.Context, mem ports.Memory, ref abi.StringRef) {
	data, err := abi.NewReader(mem).Bytes(ref, h.maxTransfer)
	if err != nil {
		h.logger.DebugContext(ctx, "unreadable plugin log record", slog.Any("error", err))
		return
	}
	level, msg, attrs, err := flog.DecodeRecord(data)
	if err != nil {
		h.logger.DebugContext(ctx, "malformed plugin log record", slog.Any("error", err))
		return
	}
	h.emit(ctx, level, msg, attrs)
}

func (h *imports) emit(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if tc, ok := TurnFromContext(ctx); ok {
		tc.Log(level, msg, attrs...)
		return
	}
	h.logger.LogAttrs(ctx, level, msg, attrs...)
}
