// Package hostfuncs holds the in-process tool registry behind
// filament.std.tool.invoke, and the default HTTP adapter behind
// filament.std.net.http.request. Nothing here depends on a plugin runtime.
package hostfuncs
