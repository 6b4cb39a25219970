package safety

import (
	"errors"
	"fmt"
)

var (
	ErrLocationUnavailable    = errors.New("location unavailable")
	ErrInvalidLocation        = errors.New("invalid location")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrRiskServiceUnavailable = errors.New("risk service unavailable")
	ErrNoActiveTrip           = errors.New("no active trip")
	ErrTripMismatch           = errors.New("trip does not match current trip")
	ErrInvalidRiskLevel       = errors.New("invalid risk level")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
