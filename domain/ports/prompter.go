package ports

import "github.com/reglet-dev/filament-host/domain/entities"

// GrantRequest describes grants a plugin asks for that the operator has
// not yet approved.
type GrantRequest struct {
	Plugin  string
	Missing *entities.GrantSet
	Risk    entities.RiskLevel
	Risks   []string
}

// Prompter asks an operator to approve grants at load time.
type Prompter interface {
	// IsInteractive reports whether an operator can answer.
	IsInteractive() bool

	// Approve returns whether the grants are allowed, and whether the
	// decision should be remembered.
	Approve(req GrantRequest) (granted bool, always bool, err error)
}
