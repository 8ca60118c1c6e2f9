package models

import "fmt"

// InvalidTransitionError is returned when an aggregate is asked to move
// between two states that the lifecycle does not allow. The aggregate is
// left untouched.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// ValidationError reports malformed input before any aggregate is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}
