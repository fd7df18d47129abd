// Package state stores the small amount of cluster-wide key/value state the
// consumer pool shares between nodes: reader-group identity and the last
// committed stream cut.
package state

import (
	"context"
	"errors"
)

// ErrConflict reports that an atomic update lost a race too many times.
var ErrConflict = errors.New("state: concurrent update conflict")

// Store is a cluster-scoped key/value store. Reads after writes from the
// same process are consistent. Get reports ok == false for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
}

// UpdateFunc computes a new value from the current one.
type UpdateFunc func(old string, ok bool) (string, error)

// Updater is implemented by stores that can apply an UpdateFunc atomically.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
