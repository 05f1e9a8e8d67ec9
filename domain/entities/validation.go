package entities

// ValidationResult is the outcome of checking a manifest's grants against
// the capability schemas.
type ValidationResult struct {
	Errors []ValidationError
	Valid  bool
}

// ValidationError names one offending field.
type ValidationError struct {
	Field   string
	Message string
}
