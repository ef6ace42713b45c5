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

package scenario

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/nri-sysmem/pkg/instrumentation/tracing"
	logger "github.com/containers/nri-sysmem/pkg/log"
	"github.com/containers/nri-sysmem/pkg/sysmem"
)

const (
	// namePriority is the priority of node names set by the runner.
	namePriority = 100
)

var (
	log = logger.Get("scenario")
)

// Outcome is what a single participant got from the broker.
type Outcome struct {
	Name         string                 `json:"name"`
	Attached     bool                   `json:"attached,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Message      string                 `json:"message,omitempty"`
	CollectionID uint64                 `json:"collectionID,omitempty"`
	BufferCount  uint32                 `json:"bufferCount,omitempty"`
	Weak         bool                   `json:"weak,omitempty"`
	Settings     *sysmem.BufferSettings `json:"settings,omitempty"`
}

// Report is the result of running a scenario.
type Report struct {
	Scenario string     `json:"scenario"`
	Outcomes []*Outcome `json:"outcomes"`
}

// Outcome returns the outcome of the named participant, or nil.
func (r *Report) Outcome(name string) *Outcome {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o
		}
	}
	return nil
}

type participant struct {
	node     *Node
	c        *sysmem.Collection
	attached bool
	err      error
}

type pendingAttach struct {
	node *Node
	tok  *sysmem.Token
}

type releaser interface {
	Release() error
	Close() error
}

type runner struct {
	b        *sysmem.Broker
	parts    []*participant
	attach   []*pendingAttach
	handles  []releaser
	results  []*sysmem.AllocationResult
	attached bool
}

// Run drives the scenario against the broker. Broker errors are reported
// per participant, Run itself only fails if no collection could be created.
func Run(ctx context.Context, b *sysmem.Broker, s *Scenario) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "scenario.run",
		tracing.WithAttributes(tracing.Attribute("scenario", s.Name)))

	r := &runner{b: b}
	defer r.close()

	tok, err := b.AllocateSharedCollection()
	if err != nil {
		span.End(tracing.WithStatus(err))
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}

	log.Info("running scenario %q", s.Name)

	r.build(s.Root, tok, nil)
	report := &Report{Scenario: s.Name}
	report.Outcomes = r.wait(ctx, r.parts)

	initial := len(r.parts)
	r.attached = true
	for i := 0; i < len(r.attach); i++ {
		r.build(r.attach[i].node, r.attach[i].tok, nil)
	}
	report.Outcomes = append(report.Outcomes, r.wait(ctx, r.parts[initial:])...)

	span.SetAttributes(tracing.Attribute("participants", len(report.Outcomes)))
	span.End()

	return report, nil
}

// build creates the node n from tok, then the rest of its subtree. If err
// is set the subtree could not be created and its collections fail with it.
func (r *runner) build(n *Node, tok *sysmem.Token, err error) {
	if err != nil {
		r.failSubtree(n, err)
		return
	}

	r.setup(n, tok)

	var (
		children = make([]*sysmem.Token, len(n.Children))
		errs     = make([]error, len(n.Children))
	)
	for i, c := range n.Children {
		if !c.Attach {
			children[i], errs[i] = tok.Duplicate(c.rights())
		}
	}

	switch {
	case n.Orphan:
		r.closeHandle(n, tok)
	case len(n.Group) > 0:
		r.buildGroup(n, tok)
	default:
		r.buildCollection(n, tok)
	}

	for i, c := range n.Children {
		if !c.Attach {
			r.build(c, children[i], errs[i])
		}
	}
}

func (r *runner) setup(n *Node, tok *sysmem.Token) {
	check := func(what string, err error) {
		if err != nil {
			log.Warn("scenario node %q: %s failed: %v", n.Name, what, err)
		}
	}

	check("SetName", tok.SetName(namePriority, n.Name))
	if n.Verbose {
		check("SetVerboseLogging", tok.SetVerboseLogging())
	}
	if n.Weak {
		check("SetWeak", tok.SetWeak())
	}
	if n.WeakOk || n.WeakOkForChildren {
		check("SetWeakOk", tok.SetWeakOk(n.WeakOkForChildren))
	}
	if n.Dispensable {
		check("SetDispensable", tok.SetDispensable())
	}
}

func (r *runner) buildGroup(n *Node, tok *sysmem.Token) {
	g, err := tok.CreateGroup()
	if err != nil {
		for _, c := range n.Group {
			r.failSubtree(c, err)
		}
		return
	}
	r.handles = append(r.handles, g)

	tokens := make([]*sysmem.Token, len(n.Group))
	errs := make([]error, len(n.Group))
	for i, c := range n.Group {
		tokens[i], errs[i] = g.CreateChild(c.rights())
	}
	if err := g.AllChildrenPresent(); err != nil {
		log.Warn("scenario group %q: AllChildrenPresent failed: %v", n.Name, err)
	}

	for i, c := range n.Group {
		r.build(c, tokens[i], errs[i])
	}
}

func (r *runner) buildCollection(n *Node, tok *sysmem.Token) {
	p := &participant{node: n, attached: r.attached}
	r.parts = append(r.parts, p)

	c, err := r.b.BindSharedCollection(tok)
	if err != nil {
		p.err = err
		return
	}
	p.c = c
	r.handles = append(r.handles, c)

	for _, child := range n.Children {
		if !child.Attach {
			continue
		}
		at, err := c.AttachToken(child.rights())
		if err != nil {
			r.failSubtree(child, err)
			continue
		}
		r.attach = append(r.attach, &pendingAttach{node: child, tok: at})
	}

	if err := c.SetConstraints(n.Constraints); err != nil {
		p.err = err
	}
}

func (r *runner) closeHandle(n *Node, h releaser) {
	if err := h.Release(); err != nil {
		log.Warn("scenario node %q: Release failed: %v", n.Name, err)
	}
	if err := h.Close(); err != nil {
		log.Warn("scenario node %q: Close failed: %v", n.Name, err)
	}
}

// failSubtree records err for every collection in the subtree of n.
func (r *runner) failSubtree(n *Node, err error) {
	var visit func(*Node)
	visit = func(n *Node) {
		if n.isCollection() {
			r.parts = append(r.parts, &participant{node: n, attached: r.attached, err: err})
		}
		for _, c := range n.Group {
			visit(c)
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(n)
}

func (r *runner) wait(ctx context.Context, parts []*participant) []*Outcome {
	outcomes := make([]*Outcome, 0, len(parts))
	for _, p := range parts {
		o := &Outcome{Name: p.node.Name, Attached: p.attached}
		outcomes = append(outcomes, o)

		err := p.err
		var res *sysmem.AllocationResult
		if err == nil {
			res, err = p.c.WaitForAllocated(ctx)
		}
		if err != nil {
			o.Error = ErrorKind(err)
			o.Message = err.Error()
			log.Info("scenario participant %q: %v", o.Name, err)
			continue
		}

		r.results = append(r.results, res)
		o.CollectionID = res.Info.CollectionID
		o.BufferCount = res.Info.BufferCount
		settings := res.Info.Settings
		o.Settings = &settings
		if len(res.Buffers) > 0 {
			o.Weak = res.Buffers[0].IsWeak()
		}

		log.Info("scenario participant %q: %d buffers of %d bytes from %s",
			o.Name, o.BufferCount, settings.SizeBytes, settings.HeapName)
	}
	return outcomes
}

func (r *runner) close() {
	for _, res := range r.results {
		res.Close()
	}
	for _, h := range r.handles {
		h.Release()
		h.Close()
	}
}

// Verify checks a report against the expectations of the scenario.
func Verify(s *Scenario, report *Report) error {
	var errs *multierror.Error

	s.Foreach(func(n *Node) bool {
		if n.Expect == nil {
			return true
		}
		e := n.Expect
		o := report.Outcome(n.Name)
		if o == nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: no outcome", n.Name))
			return true
		}

		if o.Error != e.Error {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected error %q, got %q (%s)",
				n.Name, e.Error, o.Error, o.Message))
			return true
		}
		if o.Error != "" {
			return true
		}

		st := o.Settings
		if e.BufferCount != 0 && o.BufferCount != e.BufferCount {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected %d buffers, got %d",
				n.Name, e.BufferCount, o.BufferCount))
		}
		if e.MinSize != nil && st.SizeBytes < uint64(e.MinSize.Value()) {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected buffers of at least %s, got %d bytes",
				n.Name, e.MinSize, st.SizeBytes))
		}
		if e.Heap != "" && st.HeapName != e.Heap {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected heap %s, got %s",
				n.Name, e.Heap, st.HeapName))
		}
		if e.Domain != "" && st.CoherencyDomain.String() != e.Domain {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected coherency domain %s, got %s",
				n.Name, e.Domain, st.CoherencyDomain))
		}
		if e.PixelFormat != "" {
			if st.ImageFormat == nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: expected pixel format %s, got none",
					n.Name, e.PixelFormat))
			} else if pf := st.ImageFormat.PixelFormat.String(); pf != e.PixelFormat {
				errs = multierror.Append(errs, fmt.Errorf("%s: expected pixel format %s, got %s",
					n.Name, e.PixelFormat, pf))
			}
		}
		if o.Weak != e.Weak {
			errs = multierror.Append(errs, fmt.Errorf("%s: expected weak=%v, got %v", n.Name, e.Weak, o.Weak))
		}
		return true
	})

	return errs.ErrorOrNil()
}
