// Package cmn provides common constants, types, and utilities shared by the
// cluster-state cache packages.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tagged failures returned by the cache. None of these are used for
// control flow within a single refresh pass - every recovery path either
// preserves the last-known-good value or surfaces an empty/sentinel result.
type (
	// MissingEntryError: a key returned by a children listing yielded a
	// null record/stat on the subsequent fetch. Non-fatal; the caller
	// excludes the key from this refresh and retries it on the next one.
	MissingEntryError struct {
		Key string
	}

	// WriteBackError wraps a failed write-back to the metadata store
	// (participant history, job/workflow context).
	WriteBackError struct {
		Key string
		Err error
	}

	// AccessorError wraps a transport failure from the metadata accessor.
	// It propagates out of Refresh; the refresh aborts and live maps
	// retain their prior values.
	AccessorError struct {
		Op  string
		Err error
	}
)

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("expected entry %q not found on refetch", e.Key)
}

func (e *WriteBackError) Error() string {
	return fmt.Sprintf("write-back failed for %q: %v", e.Key, e.Err)
}
func (e *WriteBackError) Unwrap() error { return e.Err }

func (e *AccessorError) Error() string {
	return fmt.Sprintf("accessor %s failed: %v", e.Op, e.Err)
}
func (e *AccessorError) Unwrap() error { return e.Err }

func NewMissingEntryError(key string) error { return &MissingEntryError{Key: key} }

func NewWriteBackError(key string, err error) error {
	return &WriteBackError{Key: key, Err: errors.WithStack(err)}
}

func NewAccessorError(op string, err error) error {
	return &AccessorError{Op: op, Err: errors.Wrapf(err, "accessor op %q", op)}
}
