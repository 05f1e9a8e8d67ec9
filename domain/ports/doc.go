// Package ports defines the interfaces between the runtime and the outside
// world: the plugin boundary, the services behind the capability gateway, and
// the stores the host persists to. Infrastructure adapters implement them.
package ports
