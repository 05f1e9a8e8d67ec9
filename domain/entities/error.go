package entities

// ErrorDetail is the structured form of a host error. Gateway failures carry
// it as the "detail" field of filament.sys.error payloads.
//
// Kind is one of "network", "timeout", "config", "capability", "validation"
// or "internal". Reason is the machine-readable cause within the kind.
type ErrorDetail struct {
	Cause   *ErrorDetail   `json:"cause,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Kind    string         `json:"kind"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	Retry   bool           `json:"retry,omitempty"`
}

func (d *ErrorDetail) Error() string {
	if d == nil {
		return ""
	}
	if d.Reason == "" {
		return d.Message
	}
	return d.Message + " (" + d.Reason + ")"
}

// Root returns the innermost cause.
func (d *ErrorDetail) Root() *ErrorDetail {
	for d != nil && d.Cause != nil {
		d = d.Cause
	}
	return d
}
