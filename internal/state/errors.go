package state

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrSourceLocked     = errors.New("source is locked by another update")
	ErrMissingSingleton = errors.New("required record is missing")
	ErrCycle            = errors.New("parent chain contains a cycle")
	// ErrBusy means another process holds the database file open.
	ErrBusy = errors.New("database is held by another process")
)

func errNotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

func errExists(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrExists)
}

func errCycle(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrCycle)
}

// wrapNotFound adds kind and key context to a bare ErrNotFound.
func wrapNotFound(err error, kind, key string) error {
	if err == ErrNotFound {
		return errNotFound(kind, key)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
