package ports

// DenialHandler is called when a policy check denies a request.
type DenialHandler interface {
	// OnDenial is called when a capability request is denied.
	// kind: "network", "tool", "env", "kv"
	OnDenial(kind string, request any, reason string)
}
