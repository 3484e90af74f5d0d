package proto

import (
	"errors"
	"fmt"
)

// Category classifies an error at the wire boundary.
type Category uint8

const (
	CatBadRequest Category = iota + 1
	CatNotFound
	CatUnsupported
	CatAuthRequired
	CatForbidden
	CatConflict
	CatRuntimeFault
	CatTargetUnreachable
	CatPermission
	CatCancelled
	CatInternal
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CatBadRequest:
		return "bad_request"
	case CatNotFound:
		return "not_found"
	case CatUnsupported:
		return "unsupported"
	case CatAuthRequired:
		return "auth_required"
	case CatForbidden:
		return "forbidden"
	case CatConflict:
		return "conflict"
	case CatRuntimeFault:
		return "runtime_fault"
	case CatTargetUnreachable:
		return "target_unreachable"
	case CatPermission:
		return "permission"
	case CatCancelled:
		return "cancelled"
	case CatInternal:
		return "internal"
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Error is a categorized error that crosses the wire.
type Error struct {
	Category Category
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Errorf builds a categorized error.
func Errorf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// CategoryOf extracts the category from err, defaulting to Internal for
// uncategorized errors.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CatInternal
}
