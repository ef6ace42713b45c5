// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package sysmem

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerClosed is the transport-class error. It tells a participant
	// that its node, or the collection it belongs to, is gone.
	ErrPeerClosed = fmt.Errorf("sysmem: peer closed")

	// ErrPending is returned by CheckAllocated while allocation is pending.
	ErrPending = fmt.Errorf("sysmem: allocation pending")
	// ErrConstraintsIntersectionEmpty tells that no allocation can satisfy
	// the constraints of all participants.
	ErrConstraintsIntersectionEmpty = fmt.Errorf("sysmem: constraints intersection empty")
	// ErrTooManyGroupChildCombinations tells that the number of possible
	// group child selections exceeds the configured ceiling.
	ErrTooManyGroupChildCombinations = fmt.Errorf("sysmem: too many group child combinations")

	// ErrWeakNotAllowed is returned to a weak node which never declared
	// that it can handle weak buffer handles.
	ErrWeakNotAllowed = fmt.Errorf("sysmem: weak node without weak ok")
	// ErrProtocol is returned for operations issued out of order.
	ErrProtocol = fmt.Errorf("sysmem: protocol error")
	// ErrInvalidArgs is returned for invalid operation arguments.
	ErrInvalidArgs = fmt.Errorf("sysmem: invalid arguments")
	// ErrInvalidConstraints is returned for constraints which fail validation.
	ErrInvalidConstraints = fmt.Errorf("sysmem: invalid constraints")
	// ErrNotFound is returned for unknown node references.
	ErrNotFound = fmt.Errorf("sysmem: not found")
	// ErrNoMemory is returned when buffer memory can't be allocated.
	ErrNoMemory = fmt.Errorf("sysmem: failed to allocate memory")
	// ErrFailedOption is returned when a broker option can't be applied.
	ErrFailedOption = fmt.Errorf("sysmem: failed to apply option")
)

// IsDomainError returns true if err is one of the structured negotiation
// errors, as opposed to a transport-class or protocol error.
func IsDomainError(err error) bool {
	for _, e := range []error{
		ErrPending,
		ErrConstraintsIntersectionEmpty,
		ErrTooManyGroupChildCombinations,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func intersectionEmpty(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConstraintsIntersectionEmpty}, args...)...)
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocol}, args...)...)
}

func invalidArgs(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgs}, args...)...)
}
