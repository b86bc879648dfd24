// package tasks implements multi-request catalog operations on top of [services.Catalog].
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers   = 4
	maxWorkers       = 10
	defaultRateLimit = 5.0
)

// Recommender is the slice of [services.Catalog] the batch engine needs.
type Recommender interface {
	Recommendations(ctx context.Context, sessionID, trackID string, limit int) ([]models.Track, error)
}

// BatchOpts configures [RecommendationEngine.Batch].
type BatchOpts struct {
	LimitPerTrack    int     // Recommendations per seed track, bounded to [1, services.MaxLimit]
	RemoveDuplicates bool    // Drop tracks already recommended for an earlier seed
	NumWorkers       int     // Concurrent workers (default: 4, max: 10)
	RateLimit        float64 // Seed requests per second (default: 5)
}

// SeedResult reports what happened for a single seed track.
type SeedResult struct {
	TrackID string
	Count   int   // Recommendations returned by the catalog before de-duplication
	Error   error // Non-nil when the seed was skipped
}

// BatchResult contains the merged recommendations of a batch run.
type BatchResult struct {
	Recommendations []models.Track // Each track carries the seed in SourceTrackID
	Seeds           []SeedResult   // In the order the seeds were given
	Duplicates      int            // Tracks dropped by RemoveDuplicates
	Failed          int            // Seeds that returned an error
}

type seedJob struct {
	index   int
	trackID string
}

type seedOutcome struct {
	index  int
	tracks []models.Track
	err    error
}

// RecommendationEngine runs track radio lookups for many seeds concurrently.
type RecommendationEngine struct {
	catalog Recommender
	logger  *log.Logger
}

// NewRecommendationEngine creates an engine that queries catalog.
func NewRecommendationEngine(catalog Recommender, logger *log.Logger) *RecommendationEngine {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &RecommendationEngine{catalog: catalog, logger: logger}
}

// sendProgress sends a progress update through the channel without blocking.
func (e *RecommendationEngine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// Batch fetches recommendations for every seed in trackIDs and merges them in seed order.
//
// A seed that fails is logged and skipped. The whole batch fails only when the session
// is not authorized, since no other seed could succeed either.
func (e *RecommendationEngine) Batch(
	ctx context.Context,
	progress chan<- ProgressUpdate,
	sessionID string,
	trackIDs []string,
	opts BatchOpts,
) (*BatchResult, error) {
	if e.catalog == nil {
		return nil, fmt.Errorf("%w: catalog not initialized", shared.ErrServiceUnavailable)
	}

	seeds := make([]string, 0, len(trackIDs))
	for _, id := range trackIDs {
		if id = strings.TrimSpace(id); id != "" {
			seeds = append(seeds, id)
		}
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: at least one track id is required", shared.ErrInvalidInput)
	}

	limit := services.BoundLimit(opts.LimitPerTrack, services.MaxLimit)
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaultWorkers
	}
	opts.NumWorkers = min(opts.NumWorkers, maxWorkers, len(seeds))
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	jobs := make(chan seedJob, len(seeds))
	outcomes := make(chan seedOutcome, len(seeds))

	var wg sync.WaitGroup
	for range opts.NumWorkers {
		wg.Add(1)
		go e.seedWorker(ctx, &wg, sessionID, limit, limiter, jobs, outcomes)
	}

	e.sendProgress(progress, fetchingRecommendationsUpdate(0, len(seeds)))
	for i, id := range seeds {
		jobs <- seedJob{index: i, trackID: id}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	perSeed := make([][]models.Track, len(seeds))
	result := &BatchResult{Seeds: make([]SeedResult, len(seeds))}
	for i, id := range seeds {
		result.Seeds[i] = SeedResult{TrackID: id}
	}

	completed := 0
	var authErr error
	for out := range outcomes {
		completed++
		seed := &result.Seeds[out.index]
		seed.Error = out.err
		if out.err != nil {
			if errors.Is(out.err, shared.ErrAuthRequired) {
				authErr = out.err
			}
			e.logger.Warn("skipping seed track", "track", seed.TrackID, "error", out.err)
			e.sendProgress(progress, seedFailedUpdate(completed, len(seeds), seed.TrackID, out.err))
			continue
		}
		seed.Count = len(out.tracks)
		perSeed[out.index] = out.tracks
		e.sendProgress(progress, seedCompletedUpdate(completed, len(seeds), seed.TrackID, seed.Count))
	}

	if authErr != nil {
		return nil, authErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.sendProgress(progress, mergeUpdate(len(seeds)))
	seen := make(map[string]bool)
	result.Recommendations = []models.Track{}
	for i, tracks := range perSeed {
		if result.Seeds[i].Error != nil {
			result.Failed++
		}
		for _, t := range tracks {
			if opts.RemoveDuplicates && t.ID != "" && seen[t.ID] {
				result.Duplicates++
				continue
			}
			if t.ID != "" {
				seen[t.ID] = true
			}
			t.SourceTrackID = result.Seeds[i].TrackID
			result.Recommendations = append(result.Recommendations, t)
		}
	}

	return result, nil
}

// seedWorker fetches recommendations for seeds from jobs until it is closed or ctx ends.
func (e *RecommendationEngine) seedWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	sessionID string,
	limit int,
	limiter *rate.Limiter,
	jobs <-chan seedJob,
	outcomes chan<- seedOutcome,
) {
	defer wg.Done()

	for job := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			outcomes <- seedOutcome{index: job.index, err: err}
			continue
		}
		tracks, err := e.catalog.Recommendations(ctx, sessionID, job.trackID, limit)
		outcomes <- seedOutcome{index: job.index, tracks: tracks, err: err}
	}
}
