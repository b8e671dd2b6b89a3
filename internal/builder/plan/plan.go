// Package plan builds and executes an ExecutionPlan: the deduplicated,
// topologically ordered command graph that the builder package's Command
// and FileStore types describe but do not themselves schedule.
//
// The graph construction and cycle detection is grounded on
// cmd/distri/bump.go's package-dependency graph, which faces the same
// problem (build a DAG of typed nodes, topologically sort it, and cope
// with cycles) over gonum's graph/simple and graph/topo packages. Unlike
// bump.go — which silently breaks cycles to keep going — a cycle in a
// command graph is a hard error: two commands that depend on each other
// can never both run first.
package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/distr1/forge/internal/builder"
	"github.com/distr1/forge/internal/builder/trace"
)

// ExecutionError aggregates every command failure captured during one
// Execute call. It mirrors the source's ExceptionVector
// (execution_plan.h's "gather exceptions" pass over every future), which
// collects one *std::exception_ptr* per failed command rather than
// surfacing only the first; Error() and Unwrap() preserve each command's
// own wrapped error so provenance (which command, which exit code) is
// never lost inside the aggregate.
type ExecutionError struct {
	Errors []error
}

func (e *ExecutionError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d commands failed:\n%s", len(e.Errors), strings.Join(parts, "\n"))
}

func (e *ExecutionError) Unwrap() []error { return e.Errors }

// node wraps a *builder.Command as a gonum graph.Node, matching bump.go's
// bumpnode pattern of a monotonic counter for IDs plus a back-pointer to
// the domain object.
type node struct {
	id int64
	c  *builder.Command
}

func (n *node) ID() int64 { return n.id }

// Plan is a deduplicated, dependency-ordered set of commands ready for
// execution.
type Plan struct {
	fs *builder.FileStore

	graph *simple.DirectedGraph
	byCmd map[*builder.Command]*node

	order []*builder.Command
}

// New constructs a Plan from roots: every command reachable from roots by
// following Prepare-discovered and explicitly declared dependencies,
// deduplicated so that two Command values with the same fingerprint are
// treated as one node (the later one's dependents are rewritten onto the
// first via ReplaceDependency), and topologically sorted so that each
// command appears only after everything it depends on.
//
// fs is the FileStore every root (and everything reachable from it) must
// already be registered against; New calls Prepare on every discovered
// command, which is idempotent if the caller already prepared some of
// them.
func New(fs *builder.FileStore, roots []*builder.Command) (*Plan, error) {
	p := &Plan{
		fs:    fs,
		graph: simple.NewDirectedGraph(),
		byCmd: make(map[*builder.Command]*node),
	}

	all, err := p.expand(roots)
	if err != nil {
		return nil, err
	}

	byFingerprint, err := dedup(all)
	if err != nil {
		return nil, err
	}

	var nextID int64
	for _, c := range byFingerprint {
		nextID++
		n := &node{id: nextID, c: c}
		p.byCmd[c] = n
		p.graph.AddNode(n)
	}
	for _, c := range byFingerprint {
		from := p.byCmd[c]
		for _, dep := range c.Dependencies() {
			to, ok := p.byCmd[dep]
			if !ok {
				continue // dependency collapsed into its own representative already in byCmd
			}
			if to == from {
				continue
			}
			p.graph.SetEdge(p.graph.NewEdge(to, from))
		}
	}

	sorted, err := topo.Sort(p.graph)
	if err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			return nil, &builder.CycleError{Offenders: offenderNames(uo)}
		}
		return nil, err
	}

	p.order = make([]*builder.Command, 0, len(sorted))
	for _, gn := range sorted {
		p.order = append(p.order, gn.(*node).c)
	}

	return p, nil
}

// expand repeatedly calls Prepare on every command reachable from roots
// until a fixed point: Prepare can discover new dependencies (e.g. a
// program resolved through Base, or an input with a generator not yet
// visited), so one pass is not always enough.
func (p *Plan) expand(roots []*builder.Command) ([]*builder.Command, error) {
	seen := make(map[*builder.Command]bool)
	var queue []*builder.Command
	queue = append(queue, roots...)

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if seen[c] {
			continue
		}
		seen[c] = true

		if err := c.Prepare(p.fs); err != nil {
			return nil, err
		}
		queue = append(queue, c.Dependencies()...)
	}

	// Prepare wires an input's generator only if that generator was
	// prepared first; add the edges it missed between visited commands.
	if p.fs != nil {
		for c := range seen {
			for _, path := range append(c.Inputs(), c.Program) {
				if g := p.fs.Register(path).Generator(); seen[g] && g != c {
					c.AddDependency(g)
				}
			}
		}
	}

	out := make([]*builder.Command, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out, nil
}

// dedup collapses commands sharing a fingerprint onto one representative
// (the first encountered in a stable, name-sorted order) and rewrites
// every other command's dependency references onto it via
// ReplaceDependency, so the graph built from the result never contains
// two nodes describing the same invocation.
func dedup(all []*builder.Command) (map[*builder.Command]*builder.Command, error) {
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	byFingerprint := make(map[uint64]*builder.Command)
	replacement := make(map[*builder.Command]*builder.Command, len(all))

	for _, c := range all {
		fp, err := c.Fingerprint()
		if err != nil {
			return nil, err
		}
		rep, ok := byFingerprint[fp]
		if !ok {
			byFingerprint[fp] = c
			replacement[c] = c
			continue
		}
		replacement[c] = rep
	}

	for _, c := range all {
		rep := replacement[c]
		if rep == c {
			continue
		}
		for _, other := range all {
			other.ReplaceDependency(c, rep)
		}
	}

	out := make(map[*builder.Command]*builder.Command, len(byFingerprint))
	for _, c := range byFingerprint {
		out[c] = c
	}
	return out, nil
}

func offenderNames(uo topo.Unorderable) []string {
	var names []string
	for _, component := range uo {
		for _, n := range component {
			names = append(names, n.(*node).c.Name)
		}
	}
	return names
}

// Commands returns the plan's commands in dependency order (a command
// always appears after everything it depends on).
func (p *Plan) Commands() []*builder.Command { return p.order }

// GatherStrings returns every distinct path referenced by the plan —
// inputs, intermediates and outputs of every command — sorted, for tools
// that want a flat manifest (e.g. a build-graph visualizer or an
// sccache-style upload list) without walking the command graph
// themselves.
func (p *Plan) GatherStrings() []string {
	seen := make(map[string]bool)
	for _, c := range p.order {
		for _, s := range c.Inputs() {
			seen[s] = true
		}
		for _, s := range c.Intermediates() {
			seen[s] = true
		}
		for _, s := range c.Outputs() {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Execute runs every command in the plan with up to parallelism
// concurrent commands at once, respecting dependency order: a command
// becomes eligible only once every command it depends on has finished.
// It mirrors internal/build.Ctx's errgroup-based fan-out, generalized
// from "walk a directory tree" to "drain a dependency DAG".
//
// Cancellation is cooperative, matching the source's ExecutionPlan::execute
// (execution_plan.h): children run with ctx, not a context torn down by a
// sibling's failure, so a failing command never forces an unrelated
// in-flight process to die. A failure instead sets a stop flag — the
// source's std::atomic_bool stopped — that only gates *dispatch* of new
// commands; already-running commands always finish. By default the first
// failure sets the flag; cfg.SkipErrors, if positive, tolerates that many
// failures before it does. cfg.TimeLimit, if positive, also sets the flag
// once that much wall time has passed since Execute was called. Execute
// returns nil, a *SchedulerInvariant, or an *ExecutionError aggregating
// every command failure observed, in no particular order.
func (p *Plan) Execute(ctx context.Context, cfg *builder.Config, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 1
	}

	dependents := make(map[*builder.Command][]*builder.Command, len(p.order))
	remaining := make(map[*builder.Command]int, len(p.order))
	for _, c := range p.order {
		ds := c.Dependencies()
		remaining[c] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], c)
		}
	}

	var mu sync.Mutex
	ready := make([]*builder.Command, 0, len(p.order))
	for _, c := range p.order {
		if remaining[c] == 0 {
			ready = append(ready, c)
		}
	}

	var eg errgroup.Group
	sem := make(chan int, parallelism)
	for i := 0; i < parallelism; i++ {
		sem <- i
	}

	var stopped atomic.Bool
	deadline := time.Now().Add(cfg.TimeLimit)

	var processed int
	var failed []error
	var label func() string
	var labelMu sync.Mutex
	total := len(p.order)
	n := 0
	label = func() string {
		labelMu.Lock()
		defer labelMu.Unlock()
		n++
		return fmt.Sprintf("[%d/%d]", n, total)
	}

	var dispatch func()
	dispatch = func() {
		mu.Lock()
		var batch []*builder.Command
		batch, ready = ready, nil
		mu.Unlock()

		for _, c := range batch {
			if stopped.Load() {
				return
			}
			if cfg.TimeLimit > 0 && time.Now().After(deadline) {
				stopped.Store(true)
				return
			}
			c := c
			slot := <-sem
			eg.Go(func() error {
				ev := trace.Event(c.Name, slot)
				execErr := c.Execute(ctx, cfg, label())
				ev.Done()
				sem <- slot // release before dispatching more work, never while holding our own slot

				if execErr != nil {
					mu.Lock()
					failed = append(failed, fmt.Errorf("%s: %w", c.Name, execErr))
					if len(failed) > cfg.SkipErrors {
						stopped.Store(true)
					}
					mu.Unlock()
					return nil
				}

				mu.Lock()
				processed++
				var freed []*builder.Command
				for _, dep := range dependents[c] {
					remaining[dep]--
					if remaining[dep] == 0 {
						freed = append(freed, dep)
					}
				}
				ready = append(ready, freed...)
				more := len(ready) > 0
				mu.Unlock()

				if more {
					dispatch()
				}
				return nil
			})
		}
	}
	dispatch()

	eg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) > 0 {
		return &ExecutionError{Errors: failed}
	}
	if processed != total && !stopped.Load() {
		return &builder.SchedulerInvariant{Processed: processed, Total: total}
	}
	return nil
}

// Explain renders a human-readable, indented dependency listing of the
// plan, suitable for a "--explain"/"why rebuilt" CLI flag.
func (p *Plan) Explain() string {
	var b strings.Builder
	for _, c := range p.order {
		fmt.Fprintf(&b, "%s\n", c.Name)
		for _, d := range c.Dependencies() {
			fmt.Fprintf(&b, "  <- %s\n", d.Name)
		}
	}
	return b.String()
}
