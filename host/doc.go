// Package host wires the runtime together: the arena registry, blob and kv
// stores, the capability gateway and the weave scheduler, plus the
// optional Redis kv backend, SQLite snapshot archive and grant store.
//
// A Host keeps the registered plugins and the live contexts. Plugins come
// either from wasm images (LoadWasm) or from any ports.Plugin
// implementation (Register). Manifests pass through the Loader, which
// renders, parses and validates them and settles grants with the grant
// store and the operator prompter.
package host
