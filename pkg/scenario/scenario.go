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

// Package scenario drives a described tree of participants against a
// buffer collection broker and reports what every participant got.
package scenario

import (
	"errors"
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"

	"github.com/containers/nri-sysmem/pkg/sysmem"
)

// Scenario is a named tree of participants sharing one collection.
type Scenario struct {
	// Name of the scenario.
	Name string `json:"name"`
	// Description of the scenario.
	// +optional
	Description string `json:"description,omitempty"`
	// Root is the participant holding the initial token.
	Root *Node `json:"root"`
}

// Node is one participant in a scenario.
type Node struct {
	// Name of the node, also set as its debug name.
	Name string `json:"name"`
	// Rights is the attenuation mask of the token the node is created
	// from, see sysmem.ParseRights. Defaults to "same".
	// +optional
	Rights string `json:"rights,omitempty"`
	// Weak marks the node weak.
	// +optional
	Weak bool `json:"weak,omitempty"`
	// WeakOk accepts weak buffer handles, for child nodes too if
	// WeakOkForChildren is set.
	// +optional
	WeakOk bool `json:"weakOk,omitempty"`
	// +optional
	WeakOkForChildren bool `json:"weakOkForChildren,omitempty"`
	// Dispensable limits failures of the node to its own subtree.
	// +optional
	Dispensable bool `json:"dispensable,omitempty"`
	// Attach creates the node from an attach token of its parent, which
	// must be a collection. Attached nodes join after the initial
	// allocation.
	// +optional
	Attach bool `json:"attach,omitempty"`
	// Orphan releases and closes the token of the node without binding it.
	// +optional
	Orphan bool `json:"orphan,omitempty"`
	// Verbose enables verbose logging for the node.
	// +optional
	Verbose bool `json:"verbose,omitempty"`
	// Constraints of the node, nil for none. Setting constraints binds the
	// token of the node to a collection.
	// +optional
	Constraints *sysmem.Constraints `json:"constraints,omitempty"`
	// Group turns the node into a group of alternative children.
	// +optional
	Group []*Node `json:"group,omitempty"`
	// Children are tokens duplicated from the token of the node.
	// +optional
	Children []*Node `json:"children,omitempty"`
	// Expect is the expected outcome for the node.
	// +optional
	Expect *Expectation `json:"expect,omitempty"`
}

// Expectation is the expected outcome for a participant.
type Expectation struct {
	// Error is the expected error kind, empty for success.
	// +optional
	Error string `json:"error,omitempty"`
	// BufferCount is the expected number of buffers.
	// +optional
	BufferCount uint32 `json:"bufferCount,omitempty"`
	// MinSize is the minimum expected buffer size.
	// +optional
	MinSize *resource.Quantity `json:"minSize,omitempty"`
	// Heap is the expected heap name.
	// +optional
	Heap string `json:"heap,omitempty"`
	// Domain is the expected coherency domain.
	// +optional
	Domain string `json:"domain,omitempty"`
	// PixelFormat is the expected pixel format.
	// +optional
	PixelFormat string `json:"pixelFormat,omitempty"`
	// Weak is set if weak buffer handles are expected.
	// +optional
	Weak bool `json:"weak,omitempty"`
}

const (
	// ErrorIntersectionEmpty is the kind of ErrConstraintsIntersectionEmpty.
	ErrorIntersectionEmpty = "intersection-empty"
	// ErrorTooManyCombinations is the kind of ErrTooManyGroupChildCombinations.
	ErrorTooManyCombinations = "too-many-combinations"
	// ErrorWeakNotAllowed is the kind of ErrWeakNotAllowed.
	ErrorWeakNotAllowed = "weak-not-allowed"
	// ErrorPeerClosed is the kind of ErrPeerClosed.
	ErrorPeerClosed = "peer-closed"
	// ErrorProtocol is the kind of ErrProtocol.
	ErrorProtocol = "protocol"
	// ErrorInvalidConstraints is the kind of ErrInvalidConstraints.
	ErrorInvalidConstraints = "invalid-constraints"
	// ErrorNoMemory is the kind of ErrNoMemory.
	ErrorNoMemory = "no-memory"
	// ErrorOther is the kind of any other error.
	ErrorOther = "other"
)

var (
	// ErrInvalidScenario is returned for malformed scenarios.
	ErrInvalidScenario = errors.New("scenario: invalid scenario")
)

// ErrorKind returns the kind of a broker error, empty for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sysmem.ErrConstraintsIntersectionEmpty):
		return ErrorIntersectionEmpty
	case errors.Is(err, sysmem.ErrTooManyGroupChildCombinations):
		return ErrorTooManyCombinations
	case errors.Is(err, sysmem.ErrWeakNotAllowed):
		return ErrorWeakNotAllowed
	case errors.Is(err, sysmem.ErrProtocol):
		return ErrorProtocol
	case errors.Is(err, sysmem.ErrInvalidConstraints):
		return ErrorInvalidConstraints
	case errors.Is(err, sysmem.ErrNoMemory):
		return ErrorNoMemory
	case errors.Is(err, sysmem.ErrPeerClosed):
		return ErrorPeerClosed
	}
	return ErrorOther
}

// Parse parses a YAML or JSON scenario.
func Parse(data []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.UnmarshalStrict(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads and parses the scenario file at the given path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks the structure of the scenario.
func (s *Scenario) Validate() error {
	if s.Root == nil {
		return fmt.Errorf("%w: %q has no root", ErrInvalidScenario, s.Name)
	}
	if s.Root.Attach {
		return fmt.Errorf("%w: root %q can't be attached", ErrInvalidScenario, s.Root.Name)
	}

	names := map[string]struct{}{}
	var check func(n *Node, parent *Node) error
	check = func(n *Node, parent *Node) error {
		if n.Name == "" {
			return fmt.Errorf("%w: node without name", ErrInvalidScenario)
		}
		if _, ok := names[n.Name]; ok {
			return fmt.Errorf("%w: duplicate node name %q", ErrInvalidScenario, n.Name)
		}
		names[n.Name] = struct{}{}

		if n.Rights != "" {
			if _, err := sysmem.ParseRights(n.Rights); err != nil {
				return fmt.Errorf("%w: node %q: %w", ErrInvalidScenario, n.Name, err)
			}
		}

		switch {
		case len(n.Group) > 0 && n.Constraints != nil:
			return fmt.Errorf("%w: group %q can't have constraints", ErrInvalidScenario, n.Name)
		case len(n.Group) > 0 && len(n.Children) > 0:
			return fmt.Errorf("%w: group %q can't have duplicated children", ErrInvalidScenario, n.Name)
		case len(n.Group) > 0 && n.Orphan:
			return fmt.Errorf("%w: group %q can't be an orphan", ErrInvalidScenario, n.Name)
		case n.Orphan && n.Constraints != nil:
			return fmt.Errorf("%w: orphan %q can't have constraints", ErrInvalidScenario, n.Name)
		case n.Attach && (parent == nil || !parent.isCollection()):
			return fmt.Errorf("%w: attached %q needs a collection parent", ErrInvalidScenario, n.Name)
		case n.Expect != nil && !n.isCollection():
			return fmt.Errorf("%w: only collections can have expectations, %q is not one",
				ErrInvalidScenario, n.Name)
		}

		for _, c := range n.Group {
			if c.Attach {
				return fmt.Errorf("%w: group child %q can't be attached", ErrInvalidScenario, c.Name)
			}
			if err := check(c, n); err != nil {
				return err
			}
		}
		for _, c := range n.Children {
			if err := check(c, n); err != nil {
				return err
			}
		}
		return nil
	}

	return check(s.Root, nil)
}

func (n *Node) isCollection() bool {
	return len(n.Group) == 0 && !n.Orphan
}

func (n *Node) rights() sysmem.Rights {
	if n.Rights == "" {
		return sysmem.RightsSame
	}
	r, _ := sysmem.ParseRights(n.Rights)
	return r
}

// Foreach calls fn for every node of the scenario in pre-order.
func (s *Scenario) Foreach(fn func(*Node) bool) {
	var visit func(*Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Group {
			if !visit(c) {
				return false
			}
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	if s.Root != nil {
		visit(s.Root)
	}
}
