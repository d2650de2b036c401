package photdeblend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PatchState is the outcome of a patch fit.
type PatchState int

const (
	PatchPending PatchState = iota
	PatchFitted
	PatchFailed
)

func (s PatchState) String() string {
	switch s {
	case PatchPending:
		return "pending"
	case PatchFitted:
		return "fitted"
	case PatchFailed:
		return "failed"
	}
	return fmt.Sprintf("PatchState(%d)", int(s))
}

// Patch is an independent region of sky fitted on its own: one prior per
// band, in band-index order, all with kernels assigned.
type Patch struct {
	Name      string
	Priors    []*SourcePrior
	Templates *TemplateCube
	// Regions are applied to every band's coverage cut.
	Regions []Region
}

// Pipeline stages.
const (
	StagePrior    = "prior"
	StagePointing = "pointing"
	StageSampler  = "sampler"
	StageIngest   = "ingest"
	StageCheck    = "check"
	StageAssemble = "assemble"
)

// PatchError reports the stage at which a patch fit failed. Unwrap returns
// the underlying error unchanged.
type PatchError struct {
	Patch string
	Stage string
	Err   error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %s: %s: %v", e.Patch, e.Stage, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

// PatchResult is the outcome of one patch. Catalogue is nil unless State is
// PatchFitted.
type PatchResult struct {
	Patch     string
	State     PatchState
	Catalogue *FitCatalogue
	Ingestion *Ingestion
	PValues   [][]float64
	Err       error
	Elapsed   time.Duration
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Ingest    IngestOptions
	Assembler AssemblerOptions
	PPCSeed   uint64
	SkipPPC   bool
	// Workers bounds concurrent patch fits; values below 1 mean one.
	Workers int
}

func NewPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Ingest:    NewIngestOptions(),
		Assembler: NewAssemblerOptions(),
		PPCSeed:   1,
		Workers:   1,
	}
}

// Pipeline fits patches end to end. It holds no per-patch state and is safe
// for concurrent use when the sampler is.
type Pipeline struct {
	sampler   Sampler
	opts      PipelineOptions
	logger    *zap.Logger
	checker   *Checker
	Assembler *Assembler
}

func NewPipeline(sampler Sampler, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		sampler:   sampler,
		opts:      opts,
		logger:    logger,
		checker:   NewChecker(opts.PPCSeed, logger),
		Assembler: NewAssembler(opts.Assembler, logger),
	}
}

// PreparePatch runs the coverage cuts, aligns sources across bands and builds
// every band's pointing matrix.
func PreparePatch(patch *Patch) (*SamplerInput, error) {
	for _, p := range patch.Priors {
		if err := p.ApplyCoverageCut(patch.Regions...); err != nil {
			return nil, &PatchError{Patch: patch.Name, Stage: StagePrior, Err: err}
		}
	}
	if err := AlignSources(patch.Priors); err != nil {
		return nil, &PatchError{Patch: patch.Name, Stage: StagePrior, Err: err}
	}
	for _, p := range patch.Priors {
		if _, err := p.BuildPointingMatrix(); err != nil {
			return nil, &PatchError{Patch: patch.Name, Stage: StagePointing, Err: err}
		}
	}
	in, err := BuildSamplerInput(patch.Priors, patch.Templates)
	if err != nil {
		return nil, &PatchError{Patch: patch.Name, Stage: StagePointing, Err: err}
	}
	return in, nil
}

// FitPatch runs one patch through every stage. Any fatal error marks the
// patch failed with no catalogue; it is never retried.
func (pl *Pipeline) FitPatch(ctx context.Context, patch *Patch) *PatchResult {
	start := time.Now()
	res := &PatchResult{Patch: patch.Name, State: PatchPending}
	log := pl.logger.With(zap.String("patch", patch.Name))
	fail := func(err error) *PatchResult {
		res.State = PatchFailed
		res.Err = err
		res.Catalogue = nil
		res.Elapsed = time.Since(start)
		log.Error("patch failed", zap.Error(err))
		return res
	}

	in, err := PreparePatch(patch)
	if err != nil {
		return fail(err)
	}
	log.Info("sampling patch", zap.Int("nsrc", in.NSrc), zap.Int("nbands", in.NBands()))

	raw, err := pl.sampler.Sample(ctx, in)
	if err != nil {
		return fail(&PatchError{Patch: patch.Name, Stage: StageSampler, Err: err})
	}

	ing, err := Ingest(raw, in.NSrc, in.NBands(), pl.opts.Ingest, log)
	res.Ingestion = ing
	if err != nil {
		return fail(&PatchError{Patch: patch.Name, Stage: StageIngest, Err: err})
	}
	post, _ := ing.Posterior()
	diag, _ := ing.Diagnostics()

	if !pl.opts.SkipPPC {
		res.PValues = make([][]float64, len(patch.Priors))
		for b, p := range patch.Priors {
			pv, err := pl.checker.Check(p, post)
			if err != nil {
				return fail(&PatchError{Patch: patch.Name, Stage: StageCheck, Err: err})
			}
			res.PValues[b] = pv
		}
	}

	cat, err := pl.Assembler.Assemble(patch.Name, patch.Priors, post, diag, res.PValues)
	if err != nil {
		return fail(&PatchError{Patch: patch.Name, Stage: StageAssemble, Err: err})
	}
	res.Catalogue = cat
	res.State = PatchFitted
	res.Elapsed = time.Since(start)
	log.Info("patch fitted",
		zap.Int("records", len(cat.Records)),
		zap.Int("warnings", len(post.Warnings)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res
}

// FitPatches fits independent patches concurrently. A failing patch does not
// stop the others; results are returned in input order.
func (pl *Pipeline) FitPatches(ctx context.Context, patches []*Patch) []*PatchResult {
	results := make([]*PatchResult, len(patches))
	var g errgroup.Group
	g.SetLimit(max(1, pl.opts.Workers))
	for i, patch := range patches {
		g.Go(func() error {
			results[i] = pl.FitPatch(ctx, patch)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
