package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CycleLimits bounds simple-cycle enumeration, which is exponential on dense graphs.
type CycleLimits struct {
	MaxCycles   int
	MaxDuration time.Duration
}

func DefaultCycleLimits() CycleLimits {
	return CycleLimits{MaxCycles: 10000, MaxDuration: 10 * time.Second}
}

// CycleResult is what enumeration produced. Cycles found before a limit was hit or an
// error occurred are kept.
type CycleResult struct {
	Cycles    [][]NodeKey
	Truncated bool
	Reason    string
	Err       error
}

var errCycleLimit = errors.New("cycle limit reached")

// how many search steps between clock checks
const clockCheckEvery = 1024

// FindCycles enumerates the simple directed cycles of g (Johnson's algorithm) until a
// limit is hit. Each cycle starts at its lowest-ordered node. It never panics.
func FindCycles(ctx context.Context, g *Graph, limits CycleLimits) (res CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("cycle enumeration panicked: %v", r)
		}
	}()

	e := &cycleEnumerator{g: g, limits: limits, ctx: ctx}
	if limits.MaxDuration > 0 {
		e.deadline = time.Now().Add(limits.MaxDuration)
	}
	err := e.run()
	res.Cycles = e.cycles
	switch {
	case err == nil:
	case errors.Is(err, errCycleLimit):
		res.Truncated = true
		res.Reason = e.reason
	default:
		res.Err = err
	}
	return res
}

type cycleEnumerator struct {
	g        *Graph
	limits   CycleLimits
	ctx      context.Context
	deadline time.Time
	steps    int
	reason   string
	cycles   [][]NodeKey
}

func (e *cycleEnumerator) tick() error {
	e.steps++
	if e.steps%clockCheckEvery != 0 {
		return nil
	}
	if e.ctx != nil {
		if err := e.ctx.Err(); err != nil {
			e.reason = "context done"
			return fmt.Errorf("%w: %w", errCycleLimit, err)
		}
	}
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		e.reason = fmt.Sprintf("time budget %s exhausted", e.limits.MaxDuration)
		return errCycleLimit
	}
	return nil
}

func (e *cycleEnumerator) emit(path []int) error {
	c := make([]NodeKey, len(path))
	for i, v := range path {
		c[i] = e.g.nodes[v].Key
	}
	e.cycles = append(e.cycles, c)
	if e.limits.MaxCycles > 0 && len(e.cycles) >= e.limits.MaxCycles {
		e.reason = fmt.Sprintf("max cycle count %d reached", e.limits.MaxCycles)
		return errCycleLimit
	}
	return nil
}

func (e *cycleEnumerator) run() error {
	n := e.g.Len()
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	// self-loops are cycles of length one and never part of a larger SCC search
	for v := 0; v < n; v++ {
		for _, ed := range e.g.succ[v] {
			if ed.to == v {
				if err := e.emit([]int{v}); err != nil {
					return err
				}
			}
		}
	}

	pending := nonTrivial(e.g.stronglyConnected(all))
	inComp := make([]bool, n)
	blocked := make([]bool, n)
	closed := make([]bool, n)
	b := make([]map[int]struct{}, n)

	for len(pending) > 0 {
		comp := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		for _, v := range comp {
			inComp[v] = true
			blocked[v] = false
			closed[v] = false
			b[v] = nil
		}
		start := comp[0]
		err := e.circuits(start, inComp, blocked, closed, b)
		for _, v := range comp {
			inComp[v] = false
		}
		if err != nil {
			return err
		}

		pending = append(pending, nonTrivial(e.g.stronglyConnected(comp[1:]))...)
	}
	return nil
}

type searchFrame struct {
	v    int
	next int
}

// circuits finds every elementary cycle through start inside the marked component.
func (e *cycleEnumerator) circuits(start int, inComp, blocked, closed []bool, b []map[int]struct{}) error {
	path := []int{start}
	blocked[start] = true
	stack := []searchFrame{{v: start}}

	for len(stack) > 0 {
		if err := e.tick(); err != nil {
			return err
		}
		top := &stack[len(stack)-1]
		succ := e.g.succ[top.v]

		advanced := false
		for top.next < len(succ) {
			w := succ[top.next].to
			top.next++
			// self-loops were already emitted by run
			if !inComp[w] || w == top.v {
				continue
			}
			if w == start {
				if err := e.emit(path); err != nil {
					return err
				}
				for _, p := range path {
					closed[p] = true
				}
				continue
			}
			if !blocked[w] {
				path = append(path, w)
				closed[w] = false
				blocked[w] = true
				stack = append(stack, searchFrame{v: w})
				advanced = true
				break
			}
		}
		if advanced {
			continue
		}

		v := top.v
		if closed[v] {
			unblock(v, blocked, b)
		} else {
			for _, ed := range succ {
				if !inComp[ed.to] || ed.to == v {
					continue
				}
				if b[ed.to] == nil {
					b[ed.to] = map[int]struct{}{}
				}
				b[ed.to][v] = struct{}{}
			}
		}
		stack = stack[:len(stack)-1]
		path = path[:len(path)-1]
	}
	return nil
}

func unblock(v int, blocked []bool, b []map[int]struct{}) {
	work := []int{v}
	for len(work) > 0 {
		u := work[len(work)-1]
		work = work[:len(work)-1]
		if !blocked[u] {
			continue
		}
		blocked[u] = false
		for w := range b[u] {
			work = append(work, w)
		}
		b[u] = nil
	}
}

func nonTrivial(sccs [][]int) [][]int {
	out := sccs[:0]
	for _, c := range sccs {
		if len(c) > 1 {
			out = append(out, c)
		}
	}
	return out
}

type tarjanFrame struct {
	v    int
	next int
}

// stronglyConnected returns the SCCs of the subgraph induced by members (iterative
// Tarjan). Each component is sorted by node order.
func (g *Graph) stronglyConnected(members []int) [][]int {
	n := g.Len()
	allowed := make([]bool, n)
	for _, v := range members {
		allowed[v] = true
	}
	index := make([]int, n)
	for i := range index {
		index[i] = -1
	}
	low := make([]int, n)
	onStack := make([]bool, n)
	var stack []int
	var out [][]int
	counter := 0

	for _, root := range members {
		if index[root] != -1 {
			continue
		}
		index[root], low[root] = counter, counter
		counter++
		stack = append(stack, root)
		onStack[root] = true
		call := []tarjanFrame{{v: root}}

		for len(call) > 0 {
			f := &call[len(call)-1]
			v := f.v
			if f.next < len(g.succ[v]) {
				w := g.succ[v][f.next].to
				f.next++
				if !allowed[w] {
					continue
				}
				if index[w] == -1 {
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, tarjanFrame{v: w})
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			if low[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				sort.Ints(comp)
				out = append(out, comp)
			}
			call = call[:len(call)-1]
			if len(call) > 0 {
				u := call[len(call)-1].v
				if low[v] < low[u] {
					low[u] = low[v]
				}
			}
		}
	}
	return out
}
