// Package photdeblend measures fluxes of known sources in confused,
// low-resolution maps.
//
// A SourcePrior holds one band's catalogue subset, map and kernel. After the
// coverage cut it builds a sparse PointingMatrix linking source flux to the
// band's valid pixels. The priors of a patch form a SamplerInput for an
// external Sampler; its SamplerResult is ingested into a canonical
// PosteriorSample with convergence diagnostics and sampler health warnings.
// The Checker replicates model maps from the posterior and computes per-source
// Bayes p-values, and the Assembler turns everything into catalogue records.
//
// Pipeline runs these stages per patch and fits independent patches
// concurrently.
package photdeblend
