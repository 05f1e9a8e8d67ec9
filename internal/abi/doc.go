// Package abi reads and writes the fixed binary layouts of the plugin ABI.
//
// All multi-byte fields are little-endian. Records are read from and written
// to a ports.Memory, which is either a host arena or a plugin's linear
// memory. Every pointer read from memory is validated before it is followed,
// chains are walked once with a length bound and cycle detection, and values
// are bounded in depth and node count.
package abi
