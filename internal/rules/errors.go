package rules

import (
	"errors"
	"fmt"
)

// Line classification errors

var (
	// ErrNotRule marks a line that is not a rule at all (blank, comment, prose).
	ErrNotRule = errors.New("not a rule line")
	// ErrMalformed marks a rule header whose required options are missing.
	ErrMalformed = errors.New("malformed rule")
	// ErrAbnormal marks a line written in a grammar this parser does not accept
	// (for example a preprocessor rule carrying its own gid).
	ErrAbnormal = errors.New("abnormal rule")
)

// BadFormatError reports a line that matched a grammar but lacks a field.
type BadFormatError struct {
	What string
	File string
	Line int
}

func (e *BadFormatError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("badly formatted %s", e.What)
	}
	return fmt.Sprintf("badly formatted %s in file '%s', line %d", e.What, e.File, e.Line)
}

// ErrBadFormat builds a BadFormatError without file context.
func ErrBadFormat(what string) error {
	return &BadFormatError{What: what}
}

// ErrMissingOption reports a rule header lacking one of sid/rev/msg/classtype.
func ErrMissingOption(option string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, option)
}

// ErrInvalidOption reports an option whose value could not be parsed.
func ErrInvalidOption(option, value string) error {
	return fmt.Errorf("%w: invalid %s %q", ErrMalformed, option, value)
}
