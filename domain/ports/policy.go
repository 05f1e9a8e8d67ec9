package ports

import "github.com/reglet-dev/filament-host/domain/entities"

// Policy enforces grant rules against service requests.
type Policy interface {
	CheckNetwork(req entities.NetworkRequest, grants *entities.GrantSet) bool
	CheckTool(req entities.ToolRequest, grants *entities.GrantSet) bool
	CheckEnvironment(req entities.EnvironmentRequest, grants *entities.GrantSet) bool
	CheckKeyValue(req entities.KeyValueRequest, grants *entities.GrantSet) bool
}
