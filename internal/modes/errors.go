package modes

import "errors"

var (
	// ErrUnknownMode is returned for operations naming a mode not in the table.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrInstantScoped is returned when an instantaneous mode declares an interrupt scope.
	ErrInstantScoped = errors.New("instant modes cannot declare an interrupt scope")

	// ErrDuplicateMode is returned when two modes share a name.
	ErrDuplicateMode = errors.New("duplicate mode")
)
