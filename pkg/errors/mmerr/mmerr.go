// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmerr contains the memory manager's error values exported as error
// interface pointers. Comparison against them is by identity, so wrapped
// errors must be tested with errors.Is.
package mmerr

import (
	"errors"

	mmerrors "gvisor.dev/mdl/pkg/errors"
)

// The following errors are the complete taxonomy surfaced by the core.
var (
	noError *mmerrors.Error = nil

	// ErrAccessViolation is returned for out-of-range addresses,
	// protection and privilege mismatches and frame ownership mismatches.
	// It is never retried.
	ErrAccessViolation = mmerrors.New(mmerrors.StatusAccessViolation, "access violation")

	// ErrWorkingSetQuotaExceeded is returned when locking a page would
	// exceed the frame reference-count ceiling.
	ErrWorkingSetQuotaExceeded = mmerrors.New(mmerrors.StatusWorkingSetQuota, "working set quota exceeded")

	// ErrInsufficientResources is returned when slots, frames, commit or
	// tracking structures are exhausted.
	ErrInsufficientResources = mmerrors.New(mmerrors.StatusInsufficientResources, "insufficient system resources")

	// ErrInvalidParameter is returned for malformed requests.
	ErrInvalidParameter = mmerrors.New(mmerrors.StatusInvalidParameter, "invalid parameter")

	// ErrConflictingAddresses is returned when a mapping request overlaps
	// an existing mapping incompatibly.
	ErrConflictingAddresses = mmerrors.New(mmerrors.StatusConflictingAddresses, "conflicting addresses")
)

// StatusOf returns the status class of err, or StatusSuccess for nil.
func StatusOf(err error) mmerrors.Status {
	if err == nil {
		return mmerrors.StatusSuccess
	}
	var e *mmerrors.Error
	if errors.As(err, &e) && e != noError {
		return e.Status()
	}
	return mmerrors.StatusInvalidParameter
}
