package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/driftpost/driftpost-backend/internal/clients/genai"
	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
)

const (
	storySize            = "1024x1792"
	carouselSlides       = 3
	videoDurationSeconds = 8
)

// synthesizePlan maps a content kind onto the artifact roles to produce.
func synthesizePlan(item *types.ContentItem, prompt string) ([]genai.MediaSpec, []string, error) {
	switch item.Kind {
	case types.KindPhoto:
		return []genai.MediaSpec{{Kind: "image", Prompt: prompt}}, []string{"image"}, nil
	case types.KindStory:
		return []genai.MediaSpec{{Kind: "image", Prompt: prompt, Size: storySize}}, []string{"image"}, nil
	case types.KindCarousel:
		specs := make([]genai.MediaSpec, 0, carouselSlides)
		roles := make([]string, 0, carouselSlides)
		for i := 1; i <= carouselSlides; i++ {
			specs = append(specs, genai.MediaSpec{
				Kind:   "image",
				Prompt: fmt.Sprintf("%s\n\nSlide %d of %d in a cohesive carousel.", prompt, i, carouselSlides),
			})
			role := "image"
			if i > 1 {
				role = fmt.Sprintf("image_%d", i)
			}
			roles = append(roles, role)
		}
		return specs, roles, nil
	case types.KindVideo:
		return []genai.MediaSpec{{Kind: "video", Prompt: prompt, DurationSeconds: videoDurationSeconds}}, []string{"video"}, nil
	default:
		return nil, nil, pkgerrors.InvariantViolation(fmt.Errorf("unknown content kind %q", item.Kind))
	}
}

func extOf(mimeType string) string {
	switch mimeType {
	case "video/mp4":
		return "mp4"
	case "image/jpeg":
		return "jpg"
	default:
		return "png"
	}
}

// synthesizeAndStore runs the plan, uploads produced bytes and returns the
// merged payload ref map encoded for the jsonb column.
func synthesizeAndStore(ctx context.Context, gen genai.Client, bucket services.BucketService, item *types.ContentItem, prompt string) (datatypes.JSON, error) {
	specs, roles, err := synthesizePlan(item, prompt)
	if err != nil {
		return nil, err
	}
	refs := item.Refs()
	for i, spec := range specs {
		result, err := gen.SynthesizeMedia(ctx, spec)
		if err != nil {
			return nil, err
		}
		ref := types.PayloadRef{URI: result.URL, MimeType: result.MimeType}
		if len(result.Bytes) > 0 {
			key := fmt.Sprintf("items/%s/v%d/%s.%s", item.ID, item.StageVersion, roles[i], extOf(result.MimeType))
			uri, checksum, upErr := bucket.UploadArtifact(ctx, key, result.Bytes)
			if upErr != nil {
				return nil, pkgerrors.Transient(upErr)
			}
			ref.URI = uri
			ref.Checksum = checksum
		}
		if ref.URI == "" {
			return nil, pkgerrors.Transient(fmt.Errorf("synthesis for role %s produced neither bytes nor url", roles[i]))
		}
		refs[roles[i]] = ref
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return nil, pkgerrors.PermanentTechnical(err)
	}
	return datatypes.JSON(encoded), nil
}

// -------------------- reformatted: synthesize media --------------------

type mediaExecutor struct {
	log    *logger.Logger
	gen    genai.Client
	bucket services.BucketService
}

func NewMediaExecutor(log *logger.Logger, gen genai.Client, bucket services.BucketService) StageExecutor {
	return &mediaExecutor{log: log.With("executor", "media"), gen: gen, bucket: bucket}
}

func (e *mediaExecutor) Stage() string    { return types.StageReformatted }
func (e *mediaExecutor) Evaluative() bool { return false }

func (e *mediaExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	if strings.TrimSpace(item.Prompt) == "" {
		return nil, pkgerrors.InvariantViolation(fmt.Errorf("item %s reached %s without a prompt", item.ID, item.Stage))
	}
	refs, err := synthesizeAndStore(ctx, e.gen, e.bucket, item, item.Prompt)
	if err != nil {
		return nil, err
	}
	return &StageResult{
		Updates: map[string]interface{}{"payload_refs": refs},
	}, nil
}

// -------------------- media_synthesized: judge the media --------------------

type assessExecutor struct {
	log    *logger.Logger
	gen    genai.Client
	bucket services.BucketService
	themes services.ThemeService
}

func NewAssessExecutor(log *logger.Logger, gen genai.Client, bucket services.BucketService, themes services.ThemeService) StageExecutor {
	return &assessExecutor{log: log.With("executor", "assess"), gen: gen, bucket: bucket, themes: themes}
}

func (e *assessExecutor) Stage() string    { return types.StageMediaSynthesized }
func (e *assessExecutor) Evaluative() bool { return true }

/*
Execute judges the synthesized media against the theme's criteria. On a
refine round (pending feedback from the previous verdict) the media is
re-synthesized first with that feedback folded into the prompt, then judged
again; the loop stays in this stage until the gate passes or rejects.
*/
func (e *assessExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	theme, err := e.themes.Get(item.Theme)
	if err != nil {
		return nil, pkgerrors.InvariantViolation(err)
	}
	updates := map[string]interface{}{}
	refs := item.Refs()

	if item.Feedback != "" {
		guided := fmt.Sprintf("%s\n\nAddress this feedback from the previous attempt:\n%s", item.Prompt, item.Feedback)
		regenerated, err := synthesizeAndStore(ctx, e.gen, e.bucket, item, guided)
		if err != nil {
			return nil, err
		}
		updates["payload_refs"] = regenerated
		if uErr := json.Unmarshal(regenerated, &refs); uErr != nil {
			return nil, pkgerrors.PermanentTechnical(uErr)
		}
	}
	if len(refs) == 0 {
		return nil, pkgerrors.InvariantViolation(fmt.Errorf("item %s reached %s without artifacts", item.ID, item.Stage))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Generation prompt:\n%s\n\nProduced artifacts:\n", item.Prompt)
	for role, ref := range refs {
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", role, ref.URI, ref.MimeType)
	}
	eval, err := e.gen.EvaluateQuality(ctx, sb.String(), theme.ScoringWeights)
	if err != nil {
		return nil, err
	}
	return &StageResult{
		Score:    &eval.Overall,
		Feedback: eval.Feedback,
		Updates:  updates,
	}, nil
}
