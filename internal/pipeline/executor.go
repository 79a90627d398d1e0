package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/driftpost/driftpost-backend/internal/clients/genai"
	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
)

/*
StageResult is what an executor hands back to the orchestrator.
	- Score/Feedback are set by evaluative stages and feed the quality gate.
	- Updates are column writes applied on the stage transition (or on a
	  refine round, so regenerated work is not lost).
	- ResumeAt parks the item without error when the stage is not yet
	  actionable (metrics observation window still open).
*/
type StageResult struct {
	Score    *float64
	Feedback string
	Updates  map[string]interface{}
	ResumeAt *time.Time
}

// StageExecutor runs the work of one pipeline stage. Execute is invoked
// through the retry engine and must return classified errors untouched.
type StageExecutor interface {
	Stage() string
	Evaluative() bool
	Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error)
}

// pickLightingStyle chooses deterministically per item so refine rounds keep
// the same visual language instead of churning it.
func pickLightingStyle(theme *services.Theme, itemID string) *services.LightingStyle {
	if len(theme.LightingStyles) == 0 {
		return nil
	}
	keys := make([]string, 0, len(theme.LightingStyles))
	for k := range theme.LightingStyles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New32a()
	_, _ = h.Write([]byte(itemID))
	style := theme.LightingStyles[keys[int(h.Sum32())%len(keys)]]
	return &style
}

func draftSystemPrompt(theme *services.Theme, style *services.LightingStyle, kind string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You write generation prompts for %s social media posts.\n\n", kind)
	fmt.Fprintf(&sb, "Theme: %s\n%s\n", theme.DisplayName, theme.Description)
	if theme.Notes != "" {
		fmt.Fprintf(&sb, "\nNotes:\n%s\n", theme.Notes)
	}
	if len(theme.Approaches) > 0 {
		fmt.Fprintf(&sb, "\nApproaches to draw from:\n- %s\n", strings.Join(theme.Approaches, "\n- "))
	}
	if len(theme.Keywords) > 0 {
		fmt.Fprintf(&sb, "\nKeywords: %s\n", strings.Join(theme.Keywords, ", "))
	}
	if len(theme.NegativeRules) > 0 {
		fmt.Fprintf(&sb, "\nNever:\n- %s\n", strings.Join(theme.NegativeRules, "\n- "))
	}
	if style != nil {
		fmt.Fprintf(&sb, "\nLighting style (%s): %s\nColor palette: %s\n", style.Name, style.LightingInstructions, style.ColorPalette)
	}
	fmt.Fprintf(&sb, "\nWrite at least %d words. Output only the prompt text.", theme.MinimumWordCount)
	return sb.String()
}

// -------------------- drafted: generate prompt, judge it --------------------

type draftExecutor struct {
	log    *logger.Logger
	gen    genai.Client
	themes services.ThemeService
}

func NewDraftExecutor(log *logger.Logger, gen genai.Client, themes services.ThemeService) StageExecutor {
	return &draftExecutor{log: log.With("executor", "draft"), gen: gen, themes: themes}
}

func (e *draftExecutor) Stage() string    { return types.StageDrafted }
func (e *draftExecutor) Evaluative() bool { return true }

func (e *draftExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	theme, err := e.themes.Get(item.Theme)
	if err != nil {
		return nil, pkgerrors.InvariantViolation(err)
	}
	style := pickLightingStyle(theme, item.ID.String())

	user := fmt.Sprintf("Create a fresh generation prompt for a %s post.", item.Kind)
	if item.Feedback != "" && item.Prompt != "" {
		user = fmt.Sprintf(
			"Revise this prompt for a %s post.\n\nCurrent prompt:\n%s\n\nJudge feedback to address:\n%s",
			item.Kind, item.Prompt, item.Feedback,
		)
	}
	prompt, err := e.gen.GenerateText(ctx, draftSystemPrompt(theme, style, item.Kind), user)
	if err != nil {
		return nil, err
	}

	payload := prompt
	if style != nil && style.EvaluationCriteria != "" {
		payload = fmt.Sprintf("%s\n\nStyle expectations: %s", prompt, style.EvaluationCriteria)
	}
	eval, err := e.gen.EvaluateQuality(ctx, payload, theme.ScoringWeights)
	if err != nil {
		return nil, err
	}
	return &StageResult{
		Score:    &eval.Overall,
		Feedback: eval.Feedback,
		Updates:  map[string]interface{}{"prompt": prompt},
	}, nil
}

// -------------------- prompt_approved: reformat for the generator --------------------

const reformatSystemPrompt = `You convert an approved creative brief into a
single self-contained generation prompt: concrete subject, composition,
lighting and mood in one paragraph, no meta commentary, no markdown. Output
only the prompt.`

type reformatExecutor struct {
	log *logger.Logger
	gen genai.Client
}

func NewReformatExecutor(log *logger.Logger, gen genai.Client) StageExecutor {
	return &reformatExecutor{log: log.With("executor", "reformat"), gen: gen}
}

func (e *reformatExecutor) Stage() string    { return types.StagePromptApproved }
func (e *reformatExecutor) Evaluative() bool { return false }

func (e *reformatExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	if strings.TrimSpace(item.Prompt) == "" {
		return nil, pkgerrors.InvariantViolation(fmt.Errorf("item %s reached %s without a prompt", item.ID, item.Stage))
	}
	reformatted, err := e.gen.GenerateText(ctx, reformatSystemPrompt, item.Prompt)
	if err != nil {
		return nil, err
	}
	return &StageResult{
		Updates: map[string]interface{}{"prompt": reformatted},
	}, nil
}
