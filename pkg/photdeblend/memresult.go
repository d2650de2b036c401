package photdeblend

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryResult is an in-process SamplerResult built from chains of draws.
// Summaries are computed on first request.
type MemoryResult struct {
	groups      map[string]*GroupDraws
	transitions []ChainTransitions
	maxDepth    int

	mu        sync.Mutex
	summaries map[string][]SummaryRow
}

// NewMemoryResult creates an empty result. maxTreeDepth is 0 for samplers
// without a tree-depth limit.
func NewMemoryResult(maxTreeDepth int) *MemoryResult {
	return &MemoryResult{
		groups:    make(map[string]*GroupDraws),
		maxDepth:  maxTreeDepth,
		summaries: make(map[string][]SummaryRow),
	}
}

// AddGroup registers the draws of one parameter group. Every chain must hold
// a whole number of draws of the given shape.
func (r *MemoryResult) AddGroup(name string, shape []int, chains [][]float64) error {
	g := &GroupDraws{Name: name, Shape: append([]int(nil), shape...), Chains: chains}
	size := g.Size()
	if size == 0 {
		return fmt.Errorf("group %s has empty shape %v", name, shape)
	}
	for i, c := range chains {
		if len(c)%size != 0 {
			return shapeError(fmt.Sprintf("group %s chain %d length", name, i), (len(c)/size+1)*size, len(c))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = g
	delete(r.summaries, name)
	return nil
}

// SetTransitions attaches per-chain sampler diagnostics.
func (r *MemoryResult) SetTransitions(t []ChainTransitions) { r.transitions = t }

// Groups returns the registered group names in sorted order.
func (r *MemoryResult) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.groups))
	for n := range r.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *MemoryResult) Draws(group string) (*GroupDraws, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return nil, &ParameterMissingError{Name: group}
	}
	return g, nil
}

func (r *MemoryResult) Summary(group string) ([]SummaryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rows, ok := r.summaries[group]; ok {
		return rows, nil
	}
	g, ok := r.groups[group]
	if !ok {
		return nil, &ParameterMissingError{Name: group}
	}
	size := g.Size()
	rows := make([]SummaryRow, size)
	for e := 0; e < size; e++ {
		rows[e] = summarize(group, unravel(e, g.Shape), g.Element(e))
	}
	r.summaries[group] = rows
	return rows, nil
}

func (r *MemoryResult) Transitions() ([]ChainTransitions, error) { return r.transitions, nil }

func (r *MemoryResult) MaxTreeDepth() int { return r.maxDepth }

// unravel converts a row-major flat index into a multi-index.
func unravel(flat int, shape []int) []int {
	idx := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		idx[i] = flat % shape[i]
		flat /= shape[i]
	}
	return idx
}
