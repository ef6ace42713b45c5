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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses a textual boolean-like state, accepting the usual
// on/off, yes/no, true/false, enable(d)/disable(d) and 1/0 spellings.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "yes", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "no", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled state %q", value)
}

// RoundUp rounds value up to the closest multiple of align. An align of 0
// or 1 returns value unchanged.
func RoundUp(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	if rem := value % align; rem != 0 {
		return value + align - rem
	}
	return value
}

// GCD returns the greatest common divisor of a and b.
func GCD(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// LCM returns the least common multiple of a and b, treating 0 as 1.
func LCM(a, b uint64) uint64 {
	if a == 0 {
		a = 1
	}
	if b == 0 {
		b = 1
	}
	return a / GCD(a, b) * b
}
