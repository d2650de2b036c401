package cmdstan

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"photdeblend/pkg/photdeblend"
)

// Chain is the post-warmup output of one CmdStan chain.
type Chain struct {
	Columns []string
	// Values holds one row per saved draw, parallel to Columns.
	Values [][]float64
}

// ReadCSV parses a CmdStan output CSV. Comment lines are skipped wherever
// they appear.
func ReadCSV(r io.Reader) (*Chain, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("output has no header row")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	ch := &Chain{Columns: append([]string(nil), header...)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", len(ch.Values)+1, err)
		}
		row := make([]float64, len(rec))
		for i, s := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("draw %d column %s: %w", len(ch.Values)+1, ch.Columns[i], err)
			}
			row[i] = v
		}
		ch.Values = append(ch.Values, row)
	}
	return ch, nil
}

// ReadCSVFile reads one chain from path.
func ReadCSVFile(path string) (*Chain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	ch, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ch, nil
}

// column returns the draws of one column, or nil when absent.
func (c *Chain) column(name string) []float64 {
	for i, col := range c.Columns {
		if col == name {
			out := make([]float64, len(c.Values))
			for d, row := range c.Values {
				out[d] = row[i]
			}
			return out
		}
	}
	return nil
}

// parseColumn splits "src_f.3.2" into its group and one-based indexes.
func parseColumn(col string) (string, []int, error) {
	parts := strings.Split(col, ".")
	idx := make([]int, len(parts)-1)
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return "", nil, fmt.Errorf("column %q: bad index %q", col, p)
		}
		idx[i] = n
	}
	return parts[0], idx, nil
}

// groupLayout locates the columns of one parameter group.
type groupLayout struct {
	shape []int
	// cols[e] is the column of row-major element e.
	cols []int
}

func layoutGroups(columns []string) (map[string]*groupLayout, error) {
	type entry struct {
		col int
		idx []int
	}
	entries := make(map[string][]entry)
	for i, col := range columns {
		// lp__, divergent__ and friends are sampler columns.
		if strings.HasSuffix(col, "__") {
			continue
		}
		name, idx, err := parseColumn(col)
		if err != nil {
			return nil, err
		}
		entries[name] = append(entries[name], entry{col: i, idx: idx})
	}

	out := make(map[string]*groupLayout, len(entries))
	for name, es := range entries {
		ndim := len(es[0].idx)
		shape := make([]int, ndim)
		for _, e := range es {
			if len(e.idx) != ndim {
				return nil, fmt.Errorf("group %s mixes %d and %d indexes", name, ndim, len(e.idx))
			}
			for k, n := range e.idx {
				shape[k] = max(shape[k], n)
			}
		}
		size := 1
		for _, s := range shape {
			size *= s
		}
		if size != len(es) {
			return nil, fmt.Errorf("group %s has %d columns for shape %v", name, len(es), shape)
		}
		gl := &groupLayout{shape: shape, cols: make([]int, size)}
		if ndim == 0 {
			// Scalars are stored with shape [1].
			gl.shape = []int{1}
		}
		for _, e := range es {
			flat := 0
			for k, n := range e.idx {
				flat = flat*shape[k] + n - 1
			}
			gl.cols[flat] = e.col
		}
		out[name] = gl
	}
	return out, nil
}

// NewResult merges chains into a MemoryResult. CmdStan writes array columns
// first-index-fastest; groups are stored row-major in declaration shape.
// Chains must share one header.
func NewResult(chains []*Chain, maxTreeDepth int) (*photdeblend.MemoryResult, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("no chains")
	}
	header := chains[0].Columns
	for i, ch := range chains[1:] {
		if !slices.Equal(header, ch.Columns) {
			return nil, fmt.Errorf("chain %d header differs from chain 1", i+2)
		}
	}
	layouts, err := layoutGroups(header)
	if err != nil {
		return nil, err
	}

	res := photdeblend.NewMemoryResult(maxTreeDepth)
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		gl := layouts[name]
		draws := make([][]float64, len(chains))
		for c, ch := range chains {
			size := len(gl.cols)
			flat := make([]float64, len(ch.Values)*size)
			for d, row := range ch.Values {
				for e, col := range gl.cols {
					flat[d*size+e] = row[col]
				}
			}
			draws[c] = flat
		}
		if err := res.AddGroup(name, gl.shape, draws); err != nil {
			return nil, err
		}
	}

	transitions := make([]photdeblend.ChainTransitions, len(chains))
	for c, ch := range chains {
		if div := ch.column("divergent__"); div != nil {
			transitions[c].Divergent = make([]bool, len(div))
			for d, v := range div {
				transitions[c].Divergent[d] = v != 0
			}
		}
		if td := ch.column("treedepth__"); td != nil {
			transitions[c].TreeDepth = make([]int, len(td))
			for d, v := range td {
				transitions[c].TreeDepth[d] = int(v)
			}
		}
		transitions[c].Energy = ch.column("energy__")
	}
	res.SetTransitions(transitions)
	return res, nil
}

// ReadResult reads one CSV per chain and merges them.
func ReadResult(paths []string, maxTreeDepth int) (*photdeblend.MemoryResult, error) {
	chains := make([]*Chain, len(paths))
	for i, p := range paths {
		ch, err := ReadCSVFile(p)
		if err != nil {
			return nil, err
		}
		chains[i] = ch
	}
	return NewResult(chains, maxTreeDepth)
}

// Replay is a sampler that reads output files from an earlier run instead of
// launching the model. The files must come from a run on the same data.
type Replay struct {
	Paths        []string
	MaxTreeDepth int
}

func (r Replay) Sample(ctx context.Context, in *photdeblend.SamplerInput) (photdeblend.SamplerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.Paths) == 0 {
		return nil, errors.New("no output files to replay")
	}
	res, err := ReadResult(r.Paths, r.MaxTreeDepth)
	if err != nil {
		return nil, err
	}
	return res, nil
}
