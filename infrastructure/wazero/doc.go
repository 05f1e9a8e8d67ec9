// Package wazero runs WebAssembly plugins that implement the Filament
// export table.
//
// A Runtime compiles plugin images and registers the "filament" host
// module. Each plugin instance gets its own module instance, so distinct
// contexts run in parallel without sharing guest memory.
//
// # Memory
//
// Boundary records exchanged with a wasm plugin live in the plugin's
// linear memory. The adapter reserves them through the filament_reserve
// export and addresses them with plain 32-bit guest pointers (arena id and
// generation zero). Host arena handles in the weave record stay opaque to
// the guest.
//
// # Basic Usage
//
//	rt, err := wazero.NewRuntime(ctx, wazero.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	plugin, err := rt.Load(ctx, image)
//	if err != nil {
//	    return err
//	}
//	wc, err := weave.NewContext(ctx, weave.ContextConfig{ID: id, Plugin: plugin})
//
// # Host imports
//
// The host module exports read_timeline, read_blob, blob_create,
// blob_write, kv_get and log with the Filament signatures, plus
// log_record, which takes a JSON log record. Imports called during a turn
// act on that turn; log calls made outside a turn go to the runtime logger.
package wazero
