package domain

import "fmt"

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// ValidationError represents malformed caller input: a bad UUID, an
// unparsable lock date, a stream too large to scan.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return "validation failed"
	}
	return e.Reason
}

func (e ValidationError) Is(target error) bool {
	_, ok := target.(ValidationError)
	if ok {
		return true
	}
	_, ok = target.(*ValidationError)
	return ok
}

var ErrValidation = ValidationError{}

// ConversionError represents a failed, timed out or impossible format
// conversion.
type ConversionError struct {
	Reason         string
	HandlerMissing bool
}

func (e ConversionError) Error() string {
	if e.Reason == "" {
		return "conversion failed"
	}
	return e.Reason
}

func (e ConversionError) Is(target error) bool {
	switch t := target.(type) {
	case ConversionError:
		return !t.HandlerMissing || e.HandlerMissing
	case *ConversionError:
		return !t.HandlerMissing || e.HandlerMissing
	}
	return false
}

// ErrConversion matches any conversion failure.
var ErrConversion = ConversionError{}

// ErrHandlerNotFound matches only the "no conversion path" subcase.
var ErrHandlerNotFound = ConversionError{HandlerMissing: true}

// HandlerNotFound builds a ConversionError for a missing conversion path.
func HandlerNotFound(src, dst string) ConversionError {
	return ConversionError{
		Reason:         fmt.Sprintf("no handler found to convert from %s to %s", src, dst),
		HandlerMissing: true,
	}
}
