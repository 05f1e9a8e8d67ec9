// Package entities provides the core domain types of the weave runtime:
// addresses, events, values, chains, the invocation budget record and the
// capability model. They carry no behavior beyond validation and conversion.
package entities
