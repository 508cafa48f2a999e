// Package skills asks a text generator to assess the skills shown in an
// activity summary, describe them in Japanese, and write a short profile.
//
// Nothing here returns an error. A failed or unparseable answer degrades to
// an empty list, a templated description or a default profile.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiracore/devpulse/internal/ai"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/sirupsen/logrus"
)

// DefaultMaxSkills caps the extracted list when no limit is configured.
const DefaultMaxSkills = 15

// Proficiency levels.
const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
	LevelExpert       = "expert"
)

// Trends.
const (
	TrendRising    = "rising"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// Evidence lists what in the activity supports a skill. The generator
// sometimes answers with a single string instead of a list.
type Evidence []string

// UnmarshalJSON accepts a string, a list of strings or null.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			*e = Evidence{one}
		} else {
			*e = nil
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*e = nil
	for _, s := range many {
		if s = strings.TrimSpace(s); s != "" {
			*e = append(*e, s)
		}
	}
	return nil
}

// Skill is one assessed skill.
type Skill struct {
	Name          string   `json:"name"`
	Category      string   `json:"category"`
	Level         string   `json:"level"`
	Confidence    float64  `json:"confidence"`
	Evidence      Evidence `json:"evidence"`
	Trend         string   `json:"trend"`
	DescriptionJa string   `json:"descriptionJa,omitempty"`
}

// Profile is the holistic narrative published next to the skills.
type Profile struct {
	Summary     string `json:"summary"`
	Strengths   string `json:"strengths"`
	GrowthAreas string `json:"growthAreas"`
}

// DefaultProfile is published when the generator cannot produce one.
func DefaultProfile() Profile {
	return Profile{
		Summary:     "活動データが不足しているため、プロフィールを生成できませんでした。",
		Strengths:   "次回の同期後に分析されます。",
		GrowthAreas: "次回の同期後に分析されます。",
	}
}

// Stage runs the three generation calls.
type Stage struct {
	gen       ai.Generator
	maxSkills int
	logger    logrus.FieldLogger
}

// NewStage returns a Stage. A non-positive maxSkills means DefaultMaxSkills.
func NewStage(gen ai.Generator, maxSkills int, logger logrus.FieldLogger) *Stage {
	if maxSkills <= 0 {
		maxSkills = DefaultMaxSkills
	}
	return &Stage{gen: gen, maxSkills: maxSkills, logger: logger}
}

// generate calls the generator and turns a panic into an error.
func (s *Stage) generate(ctx context.Context, prompt string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("text generation panicked: %v", r)
		}
	}()
	return s.gen.Generate(ctx, prompt)
}

// Extract asks for a JSON array of skills supported by summary. hidden lists
// repository full names that must not appear in prompts or results.
func (s *Stage) Extract(ctx context.Context, summary string, hidden []string) []Skill {
	out, err := s.generate(ctx, extractionPrompt(privacy.Redact(summary, hidden), s.maxSkills))
	if err != nil {
		s.logger.WithError(err).Warn("Skill extraction failed, publishing no skills")
		return []Skill{}
	}

	raw, ok := ExtractJSONArray(out)
	if !ok {
		s.logger.WithField("chars", len(out)).Warn("No JSON array in skill extraction response")
		return []Skill{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.WithError(err).Warn("Skill extraction response is not a list")
		return []Skill{}
	}

	skills := make([]Skill, 0, len(items))
	seen := make(map[string]bool)
	for _, item := range items {
		var sk Skill
		if err := json.Unmarshal(item, &sk); err != nil {
			s.logger.WithError(err).Debug("Skipping malformed skill record")
			continue
		}
		sk = normalize(sk, hidden)
		key := strings.ToLower(sk.Name)
		if sk.Name == "" || seen[key] {
			continue
		}
		seen[key] = true
		skills = append(skills, sk)
		if len(skills) == s.maxSkills {
			break
		}
	}

	s.logger.WithField("skills", len(skills)).Info("Skills extracted")
	return skills
}

// Localize fills in a Japanese description for each skill. A skill whose
// call fails gets a templated description instead.
func (s *Stage) Localize(ctx context.Context, skills []Skill, hidden []string) []Skill {
	out := make([]Skill, len(skills))
	failed := 0
	for i, sk := range skills {
		out[i] = sk
		text, err := s.generate(ctx, localizationPrompt(sk))
		text = strings.TrimSpace(privacy.Redact(text, hidden))
		if err != nil || text == "" {
			failed++
			out[i].DescriptionJa = fallbackDescription(sk)
			continue
		}
		out[i].DescriptionJa = text
	}
	if failed > 0 {
		s.logger.WithFields(logrus.Fields{
			"failed": failed,
			"total":  len(skills),
		}).Warn("Some skill descriptions fell back to templates")
	}
	return out
}

// Profile asks for the holistic narrative. Missing fields get defaults.
func (s *Stage) Profile(ctx context.Context, summary string, skills []Skill, hidden []string) Profile {
	def := DefaultProfile()

	out, err := s.generate(ctx, profilePrompt(privacy.Redact(summary, hidden), skills))
	if err != nil {
		s.logger.WithError(err).Warn("Profile generation failed, using defaults")
		return def
	}
	raw, ok := ExtractJSONObject(out)
	if !ok {
		s.logger.Warn("No JSON object in profile response, using defaults")
		return def
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.WithError(err).Warn("Malformed profile response, using defaults")
		return def
	}

	field := func(got, fallback string) string {
		if got = strings.TrimSpace(privacy.Redact(got, hidden)); got != "" {
			return got
		}
		return fallback
	}
	return Profile{
		Summary:     field(p.Summary, def.Summary),
		Strengths:   field(p.Strengths, def.Strengths),
		GrowthAreas: field(p.GrowthAreas, def.GrowthAreas),
	}
}

func normalize(sk Skill, hidden []string) Skill {
	sk.Name = strings.TrimSpace(privacy.Redact(sk.Name, hidden))
	sk.Category = strings.TrimSpace(privacy.Redact(sk.Category, hidden))
	if sk.Category == "" {
		sk.Category = "other"
	}
	for i, ev := range sk.Evidence {
		sk.Evidence[i] = privacy.Redact(ev, hidden)
	}

	switch strings.ToLower(strings.TrimSpace(sk.Level)) {
	case LevelBeginner:
		sk.Level = LevelBeginner
	case LevelAdvanced:
		sk.Level = LevelAdvanced
	case LevelExpert:
		sk.Level = LevelExpert
	default:
		sk.Level = LevelIntermediate
	}

	switch strings.ToLower(strings.TrimSpace(sk.Trend)) {
	case TrendRising:
		sk.Trend = TrendRising
	case TrendDeclining:
		sk.Trend = TrendDeclining
	default:
		sk.Trend = TrendStable
	}

	switch {
	case sk.Confidence > 1 && sk.Confidence <= 100:
		// Percentages
		sk.Confidence /= 100
	case sk.Confidence > 100:
		sk.Confidence = 1
	case sk.Confidence < 0:
		sk.Confidence = 0
	}
	return sk
}

var levelJa = map[string]string{
	LevelBeginner:     "初級",
	LevelIntermediate: "中級",
	LevelAdvanced:     "上級",
	LevelExpert:       "エキスパート",
}

var trendJa = map[string]string{
	TrendRising:    "伸びている",
	TrendStable:    "安定している",
	TrendDeclining: "減少傾向にある",
}

func fallbackDescription(sk Skill) string {
	level, ok := levelJa[sk.Level]
	if !ok {
		level = levelJa[LevelIntermediate]
	}
	trend, ok := trendJa[sk.Trend]
	if !ok {
		trend = trendJa[TrendStable]
	}
	return fmt.Sprintf("%sのスキルは%sレベルで、最近の活動は%s。", sk.Name, level, trend)
}
