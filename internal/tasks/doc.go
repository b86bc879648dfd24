// Package tasks orchestrates catalog operations that fan out into many upstream requests.
//
// # Batch Recommendations
//
// [RecommendationEngine.Batch] takes a list of seed track ids and fetches the track radio for
// each of them through a bounded worker pool:
//   - Seeds are handed to at most 10 workers that share a [rate.Limiter]
//   - A failing seed is logged and reported in [SeedResult] without aborting the batch
//   - Results are merged in seed order, optionally dropping tracks already seen
//   - Every merged track records the seed it came from in SourceTrackID
//
// # Progress Reporting
//
// Operations accept an optional channel of [ProgressUpdate]. Updates are sent with select and default,
// so a slow or absent reader never stalls the workers.
package tasks
