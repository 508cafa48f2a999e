package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/skills"
)

const (
	// ContentTTL is how long published skills and profile stay readable.
	ContentTTL = 30 * 24 * time.Hour
	// StateTTL is how long a published state snapshot stays readable.
	StateTTL = 24 * time.Hour
)

// SkillsContent is published under cache.KeySkillsContent.
type SkillsContent struct {
	Skills       []skills.Skill `json:"skills"`
	GeneratedAt  time.Time      `json:"generatedAt"`
	InstanceID   string         `json:"instanceId"`
	RepoCount    int            `json:"repoCount"`
	SummaryChars int            `json:"summaryChars"`
}

// ProfileContent is published under cache.KeyProfileSummary.
type ProfileContent struct {
	skills.Profile
	GeneratedAt time.Time `json:"generatedAt"`
}

// StateSnapshot is published under cache.KeySkillsState.
type StateSnapshot struct {
	Phase           string     `json:"phase"`
	Progress        int        `json:"progress"`
	CurrentRepo     string     `json:"currentRepo,omitempty"`
	TotalRepos      int        `json:"totalRepos"`
	ProcessedRepos  int        `json:"processedRepos"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

func (w *Workflow) publishResults(ctx context.Context, content SkillsContent, profile skills.Profile) error {
	if content.Skills == nil {
		content.Skills = []skills.Skill{}
	}
	if err := w.Cache.Put(ctx, cache.KeySkillsContent, content, ContentTTL); err != nil {
		return fmt.Errorf("failed to publish skills: %w", err)
	}
	if err := w.Cache.Put(ctx, cache.KeyProfileSummary, ProfileContent{
		Profile:     profile,
		GeneratedAt: content.GeneratedAt,
	}, ContentTTL); err != nil {
		return fmt.Errorf("failed to publish profile: %w", err)
	}
	return nil
}

// publishState copies the workflow state row into the cache.
func (w *Workflow) publishState(ctx context.Context) error {
	st, err := w.Store.GetWorkflowState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read workflow state: %w", err)
	}
	return w.Cache.Put(ctx, cache.KeySkillsState, StateSnapshot{
		Phase:           st.Phase,
		Progress:        st.Progress,
		CurrentRepo:     st.CurrentRepo,
		TotalRepos:      st.TotalRepos,
		ProcessedRepos:  st.ProcessedRepos,
		LastRunAt:       st.LastRunAt,
		LastCompletedAt: st.LastCompletedAt,
		ErrorMessage:    st.ErrorMessage,
		UpdatedAt:       st.UpdatedAt,
	}, StateTTL)
}
