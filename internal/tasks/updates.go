package tasks

import "fmt"

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// Operation phase enumeration
type Phase int

const (
	FetchRecommendations Phase = iota
	MergeRecommendations
)

func (p Phase) String() string {
	switch p {
	case FetchRecommendations:
		return "fetch_recommendations"
	case MergeRecommendations:
		return "merge_recommendations"
	default:
		return ""
	}
}

func fetchingRecommendationsUpdate(step, total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRecommendations,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Fetching recommendations for %d tracks...", total),
	}
}

func seedCompletedUpdate(step, total int, trackID string, count int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRecommendations,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✓ %s (%d tracks)", step, total, trackID, count),
		Data:    trackID,
	}
}

func seedFailedUpdate(step, total int, trackID string, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRecommendations,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, trackID, err),
		Data:    trackID,
	}
}

func mergeUpdate(total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   MergeRecommendations,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Merging recommendations from %d tracks...", total),
	}
}
