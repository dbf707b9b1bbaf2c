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

// Package errors holds the standardized error definition for the memory
// manager.
package errors

// Status is the class of an error surfaced to callers of the memory manager.
type Status uint32

// Status classes.
const (
	StatusSuccess Status = iota
	StatusAccessViolation
	StatusWorkingSetQuota
	StatusInsufficientResources
	StatusInvalidParameter
	StatusConflictingAddresses
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "STATUS_SUCCESS"
	case StatusAccessViolation:
		return "STATUS_ACCESS_VIOLATION"
	case StatusWorkingSetQuota:
		return "STATUS_WORKING_SET_QUOTA"
	case StatusInsufficientResources:
		return "STATUS_INSUFFICIENT_RESOURCES"
	case StatusInvalidParameter:
		return "STATUS_INVALID_PARAMETER"
	case StatusConflictingAddresses:
		return "STATUS_CONFLICTING_ADDRESSES"
	default:
		return "STATUS_UNKNOWN"
	}
}

// Error represents a memory manager error with a status class.
type Error struct {
	status  Status
	message string
}

// New creates a new *Error.
func New(status Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the status class of the error.
func (e *Error) Status() Status { return e.status }
