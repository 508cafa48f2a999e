package pipeline

// Phase is a persisted stage of the sync workflow.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseListingRepos         Phase = "listing-repos"
	PhaseFetchingCommits      Phase = "fetching-commits"
	PhaseFetchingPRs          Phase = "fetching-prs"
	PhaseFetchingReviews      Phase = "fetching-reviews"
	PhaseSquashingHistory     Phase = "squashing-history"
	PhaseAIExtractingSkills   Phase = "ai-extracting-skills"
	PhaseAIGeneratingJapanese Phase = "ai-generating-japanese"
	PhaseStoringResults       Phase = "storing-results"
	PhaseCompleted            Phase = "completed"
	PhaseError                Phase = "error"
)

// progressRange is the [start, end] progress a phase covers. Per-repository
// phases interpolate between the two; the rest report start.
var progressRange = map[Phase][2]int{
	PhaseIdle:                 {0, 0},
	PhaseListingRepos:         {5, 5},
	PhaseFetchingCommits:      {10, 40},
	PhaseFetchingPRs:          {40, 60},
	PhaseFetchingReviews:      {60, 70},
	PhaseSquashingHistory:     {72, 72},
	PhaseAIExtractingSkills:   {78, 78},
	PhaseAIGeneratingJapanese: {85, 85},
	PhaseStoringResults:       {95, 95},
	PhaseCompleted:            {100, 100},
}

// Progress returns the progress percentage after processed of total
// repositories in phase.
func (p Phase) Progress(processed, total int) int {
	r, ok := progressRange[p]
	if !ok {
		return 0
	}
	if total <= 0 || processed <= 0 {
		return r[0]
	}
	if processed > total {
		processed = total
	}
	return r[0] + (r[1]-r[0])*processed/total
}

// Terminal reports whether the workflow stops in this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}
