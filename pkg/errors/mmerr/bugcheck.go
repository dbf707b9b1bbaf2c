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

package mmerr

import (
	"fmt"
	"strings"

	"gvisor.dev/mdl/pkg/log"
)

// BugCheckCode identifies a fatal invariant violation.
type BugCheckCode uint32

// Bug check codes. Each indicates caller misuse that would corrupt shared
// state if execution continued.
const (
	// PageLockedTwice: a frame's locked charge was removed more times than
	// it was added, or a frame was released while still pinned.
	PageLockedTwice BugCheckCode = iota + 1

	// UnlockUntrackedMDL: an MDL was unlocked that was never locked.
	UnlockUntrackedMDL

	// MismatchedUnmapLength: an unmap named a different length than the
	// mapping it tears down.
	MismatchedUnmapLength

	// StaleSystemPTE: system mapping slots were released while an entry
	// was still valid.
	StaleSystemPTE

	// ReservedMappingInUse: a reserved mapping was freed or refilled while
	// pages were still mapped through it, or with the wrong tag.
	ReservedMappingInUse

	// UnmapOfUnmappedIOSpace: an I/O space unmap named an address that is
	// not mapped.
	UnmapOfUnmappedIOSpace

	// ReferenceCountUnderflow: a frame reference count dropped below zero
	// or below its share count.
	ReferenceCountUnderflow

	// UnmapOfUnmappedMDL: an MDL unmap named an address that is not a live
	// mapping of that MDL.
	UnmapOfUnmappedMDL
)

var bugCheckNames = map[BugCheckCode]string{
	PageLockedTwice:         "PAGE_LOCKED_TWICE",
	UnlockUntrackedMDL:      "UNLOCK_UNTRACKED_MDL",
	MismatchedUnmapLength:   "MISMATCHED_UNMAP_LENGTH",
	StaleSystemPTE:          "STALE_SYSTEM_PTE",
	ReservedMappingInUse:    "RESERVED_MAPPING_IN_USE",
	UnmapOfUnmappedIOSpace:  "UNMAP_OF_UNMAPPED_IO_SPACE",
	ReferenceCountUnderflow: "REFERENCE_COUNT_UNDERFLOW",
	UnmapOfUnmappedMDL:      "UNMAP_OF_UNMAPPED_MDL",
}

// String implements fmt.Stringer.
func (c BugCheckCode) String() string {
	if s, ok := bugCheckNames[c]; ok {
		return s
	}
	return fmt.Sprintf("BUGCHECK_%#x", uint32(c))
}

// BugCheckError is the panic value raised by BugCheck.
type BugCheckError struct {
	Code BugCheckCode
	Args []uint64
}

// Error implements error.Error.
func (e *BugCheckError) Error() string {
	args := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		args = append(args, fmt.Sprintf("%#x", a))
	}
	return fmt.Sprintf("bug check %v (%s)", e.Code, strings.Join(args, ", "))
}

// BugCheck stops the current operation on an unrecoverable invariant
// violation. It logs the violation and panics with a *BugCheckError.
func BugCheck(code BugCheckCode, args ...uint64) {
	e := &BugCheckError{Code: code, Args: args}
	log.Warningf("%v", e)
	panic(e)
}

// RecoverBugCheck converts a BugCheckError panic in fn into a return value.
// Other panics propagate.
func RecoverBugCheck(fn func()) (bc *BugCheckError) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*BugCheckError)
			if !ok {
				panic(r)
			}
			bc = e
		}
	}()
	fn()
	return nil
}
