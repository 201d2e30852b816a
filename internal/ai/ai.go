package ai

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"interviewd/pkg/types"
)

// Score keys the scoring service is expected to return.
const (
	ScoreCommunication  = "communicationScore"
	ScoreTechnical      = "technicalScore"
	ScoreProblemSolving = "problemSolvingScore"

	overallScoreKey = "overallScore"
)

// QuestionRequest asks for the question plan of a new session.
type QuestionRequest struct {
	Profile           *types.Profile
	Mode              types.Mode
	JobPostingID      string
	SelectedQuestions []string
	CustomQuestions   []string
}

// QuestionPlan is the generated opening questions plus the provider's plan.
// Plan is passed through to clients untouched.
type QuestionPlan struct {
	Questions []string               `json:"questions"`
	Plan      map[string]interface{} `json:"plan,omitempty"`
}

// NextTurnRequest asks for the AI reply to a subject utterance.
type NextTurnRequest struct {
	SessionID string
	Utterance string
	History   []*types.Turn
}

// ScoreRequest asks for the evaluation of a finished transcript.
type ScoreRequest struct {
	SessionID  string
	Transcript []*types.Turn
	Profile    *types.Profile
}

// ScoreResult is what a provider returns for a transcript. The overall score
// is not part of it; it is always derived from SubScores.
type ScoreResult struct {
	SubScores map[string]float64
	Feedback  types.Feedback
}

// Provider is a question generation and scoring backend.
type Provider interface {
	Name() string
	GenerateQuestions(ctx context.Context, req QuestionRequest) (*QuestionPlan, error)
	NextTurn(ctx context.Context, req NextTurnRequest) (string, error)
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

type rawFeedback struct {
	Strengths  []string `mapstructure:"strengths"`
	Weaknesses []string `mapstructure:"weaknesses"`
	Summary    string   `mapstructure:"summary"`
}

// DecodeScore turns a loosely typed scoring payload ({scores: {...}, feedback:
// {...}}) into a ScoreResult. Numeric strings are accepted, overallScore is
// discarded, and every sub-score is clamped to [0, 100].
func DecodeScore(scores map[string]interface{}, feedback map[string]interface{}) (*ScoreResult, error) {
	sub := make(map[string]float64, len(scores))
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &sub,
	})
	if err != nil {
		return nil, err
	}

	filtered := make(map[string]interface{}, len(scores))
	for k, v := range scores {
		if k == overallScoreKey || v == nil {
			continue
		}
		filtered[k] = v
	}
	if err := decoder.Decode(filtered); err != nil {
		return nil, fmt.Errorf("decode sub-scores: %w", err)
	}
	if len(sub) == 0 {
		return nil, fmt.Errorf("scoring response has no sub-scores")
	}
	for k, v := range sub {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("sub-score %s is not a number", k)
		}
		sub[k] = math.Max(0, math.Min(100, v))
	}

	var fb rawFeedback
	if feedback != nil {
		if err := mapstructure.WeakDecode(feedback, &fb); err != nil {
			return nil, fmt.Errorf("decode feedback: %w", err)
		}
	}

	return &ScoreResult{
		SubScores: sub,
		Feedback: types.Feedback{
			Strengths:  nonNil(fb.Strengths),
			Weaknesses: nonNil(fb.Weaknesses),
			Summary:    strings.TrimSpace(fb.Summary),
		},
	}, nil
}

// TranscriptLines renders turns as "role: content" lines, oldest first.
func TranscriptLines(turns []*types.Turn) []map[string]string {
	sorted := append([]*types.Turn(nil), turns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	out := make([]map[string]string, 0, len(sorted))
	for _, t := range sorted {
		role := "candidate"
		if t.Speaker == types.SpeakerAI {
			role = "ai"
		}
		out = append(out, map[string]string{"role": role, "content": t.Content})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
