package orders

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a purchase attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Type is the kind of order. Only purchases can be created; borrow
// orders are retired and kept so historical rows still parse.
type Type string

const (
	TypePurchase Type = "purchase"
	TypeBorrow   Type = "borrow"
)

// ErrIllegalTransition is returned for any status change outside the table below.
var ErrIllegalTransition = errors.New("illegal order status transition")

// ErrUnknownType is returned when an order type is not recognised or not creatable.
var ErrUnknownType = errors.New("invalid order type")

var validNext = map[Status]map[Status]bool{
	StatusPending: {StatusPaid: true, StatusFailed: true},
	StatusPaid:    {},
	StatusFailed:  {},
}

// CanTransition reports whether the table allows moving from one status to another.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Transition validates a status change.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// ParseType maps a request value to a creatable order type.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypePurchase:
		return TypePurchase, nil
	case TypeBorrow:
		return "", fmt.Errorf("%w: %q is retired", ErrUnknownType, raw)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}
