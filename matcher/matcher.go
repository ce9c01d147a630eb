/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package matcher binds running games to the catalog entry describing
// their build.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/dwarfhack/memlayout/catalog"
	"github.com/dwarfhack/memlayout/descriptor"
	"github.com/dwarfhack/memlayout/objfile"
)

// Process is what the matcher needs to know about a candidate. Both a live
// process and an executable on disk provide it.
type Process interface {
	Family() descriptor.OS
	LoadBase() (uint64, error)
	ContentHash() (string, error)
	PETimestamp() (uint32, error)
	Image() ([]byte, error)
}

// Method names the signature that identified a build.
type Method string

const (
	ByTimestamp Method = "timestamp"
	ByMD5       Method = "md5"
	ByPattern   Method = "signature"
)

// Binding is a descriptor rebased for one process. The descriptor belongs
// to the binding; the catalog template it came from is untouched.
type Binding struct {
	ID         string
	Descriptor *descriptor.Descriptor
	Process    Process
	Method     Method
}

// Matcher matches processes against the templates of one catalog.
type Matcher struct {
	entries []catalog.Entry
}

func New(c *catalog.Catalog) *Matcher {
	return &Matcher{entries: c.Entries()}
}

// NewFromEntries is New for templates that did not come from a catalog.
func NewFromEntries(entries []catalog.Entry) *Matcher {
	return &Matcher{entries: append([]catalog.Entry(nil), entries...)}
}

// observed computes each signature of a process at most once, and only
// when some template asks for it.
type observed struct {
	p Process

	ts     uint32
	tsErr  error
	tsDone bool

	md5     string
	md5Err  error
	md5Done bool

	image     []byte
	imageErr  error
	imageDone bool
}

func (o *observed) timestamp() (uint32, error) {
	if !o.tsDone {
		o.ts, o.tsErr = o.p.PETimestamp()
		o.tsDone = true
	}
	return o.ts, o.tsErr
}

func (o *observed) hash() (string, error) {
	if !o.md5Done {
		o.md5, o.md5Err = o.p.ContentHash()
		o.md5Done = true
	}
	return o.md5, o.md5Err
}

func (o *observed) img() ([]byte, error) {
	if !o.imageDone {
		o.image, o.imageErr = o.p.Image()
		o.imageDone = true
	}
	return o.image, o.imageErr
}

// matches compares one template with the process. A Windows template is
// identified by its PE timestamp when it has one, otherwise every template
// falls back to the md5 and then to the byte signature.
func (o *observed) matches(d *descriptor.Descriptor) (Method, bool, error) {
	switch {
	case d.OS == descriptor.Windows && d.PETimestamp != 0:
		ts, err := o.timestamp()
		if errors.Is(err, objfile.ErrNoTimestamp) {
			return "", false, nil
		}
		return ByTimestamp, err == nil && ts == d.PETimestamp, err
	case d.MD5 != "":
		sum, err := o.hash()
		return ByMD5, err == nil && sum == d.MD5, err
	case d.Signature != "":
		img, err := o.img()
		if err != nil {
			return ByPattern, false, err
		}
		ok, err := objfile.FindPattern(img, d.Signature)
		return ByPattern, ok, err
	}
	return "", false, nil
}

// Match finds the first template, in document order, whose signature the
// process carries. An unsupported process yields ok == false and no error.
func (m *Matcher) Match(p Process) (*Binding, bool, error) {
	o := &observed{p: p}
	family := p.Family()
	for _, e := range m.entries {
		if e.Descriptor.OS != family {
			continue
		}
		method, hit, err := o.matches(e.Descriptor)
		if err != nil {
			return nil, false, fmt.Errorf("match %s: %w", e.ID, err)
		}
		if !hit {
			continue
		}

		base, err := p.LoadBase()
		if err != nil {
			return nil, false, fmt.Errorf("load base: %w", err)
		}
		d := e.Descriptor.Clone()
		d.RebaseAll(base)
		log.WithFields(log.Fields{"entry": e.ID, "method": method, "base": fmt.Sprintf("%#x", base)}).Debug("process identified")
		return &Binding{ID: e.ID, Descriptor: d, Process: p, Method: method}, true, nil
	}
	return nil, false, nil
}

// Result is the outcome of matching one process during a scan. Binding is
// nil for unsupported processes and for failures.
type Result struct {
	Process Process
	Binding *Binding
	Err     error
}

// Scan matches every process concurrently. Results are in input order;
// per-process failures are logged and reported in Result.Err. Scan itself
// only fails when ctx is done.
func (m *Matcher) Scan(ctx context.Context, procs []Process) ([]Result, error) {
	results := make([]Result, len(procs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, p := range procs {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, _, err := m.Match(p)
			if err != nil {
				log.WithError(err).Debug("process not matched")
			}
			results[i] = Result{Process: p, Binding: b, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Bindings keeps only the identified processes of a scan.
func Bindings(results []Result) []*Binding {
	var out []*Binding
	for _, r := range results {
		if r.Binding != nil {
			out = append(out, r.Binding)
		}
	}
	return out
}
