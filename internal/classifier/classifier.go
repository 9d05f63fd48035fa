// Package classifier turns channel post text into a structured real-estate ad
// using Google's Gemini API in JSON schema mode.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
)

var (
	// ErrQuotaExceeded means the provider refused the call for billing or rate-limit reasons.
	ErrQuotaExceeded = errors.New("classifier quota exceeded")
	// ErrTransient covers provider outages, network errors and timeouts. The call may be retried.
	ErrTransient = errors.New("classifier transient error")
	// ErrMalformedResponse means the provider answered with output that does not match the ad schema.
	ErrMalformedResponse = errors.New("classifier malformed response")
	// ErrEmptyText is returned for blank input; callers filter media-only posts before classifying.
	ErrEmptyText = errors.New("classifier input text is empty")
)

// Classifier classifies post text.
type Classifier interface {
	// Classify returns the verdict for text. Every successful call carries a Cost,
	// including "not real estate" verdicts.
	Classify(ctx context.Context, text string) (*Result, error)
	// Probe issues one minimal call to check whether the provider accepts requests.
	Probe(ctx context.Context) error
}

// Ad holds the structured fields extracted from a post. Nil means unknown.
type Ad struct {
	PropertyType *string  `json:"property_type"`
	RentalType   *string  `json:"rental_type"`
	RoomsCount   *int     `json:"rooms_count"   validate:"omitempty,gte=0"`
	AreaSqm      *float64 `json:"area_sqm"      validate:"omitempty,gte=0"`
	Price        *float64 `json:"price"         validate:"omitempty,gte=0"`
	Currency     *string  `json:"currency"`
	City         *string  `json:"city"`
	District     *string  `json:"district"`
	Address      *string  `json:"address"`
	Contacts     []string `json:"contacts"`
	database.Amenities
	Floor       *int `json:"floor"`
	TotalFloors *int `json:"total_floors"`
}

// Cost is the token usage and price of one provider call.
type Cost struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	USD              float64
	Model            string
}

// Result is the outcome of one successful classification.
type Result struct {
	IsRealEstate bool
	// Ad is zero when IsRealEstate is false.
	Ad         Ad
	Notes      string
	Confidence float64
	Cost       Cost
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type geminiClassifier struct {
	generate      generateFunc
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	cfg           config.GeminiConfig
}

// NewClassifier creates a Gemini backed Classifier.
func NewClassifier(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := newGeminiClassifier(cfg, log, gi.Models.GenerateContent)
	c.log.Info("Classifier initialized successfully", "model", cfg.ModelName)
	return c, nil
}

func newGeminiClassifier(cfg config.GeminiConfig, log *slog.Logger, generate generateFunc) *geminiClassifier {
	instruction := cfg.SystemInstruction
	if instruction == "" {
		instruction = SystemInstruction
	}
	temperature := cfg.Temperature

	baseCfg := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    adSchema,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	return &geminiClassifier{
		generate:      generate,
		log:           log.With("component", "classifier"),
		contentConfig: baseCfg,
		modelName:     cfg.ModelName,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		cfg:           cfg,
	}
}

// Classify sends text to the model and returns the parsed verdict.
func (c *geminiClassifier) Classify(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	c.log.DebugContext(ctx, "Classifying post", "text_length", len(text))

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := c.generateContentWithRetries(ctx, contents, c.contentConfig)
	if err != nil {
		return nil, err
	}

	cost := c.costOf(ctx, resp)

	jsonText, err := c.extractTextFromResponse(ctx, resp)
	if err != nil {
		return nil, err
	}

	res, err := parseResponse(jsonText)
	if err != nil {
		c.log.WarnContext(ctx, "Classifier returned malformed output", "error", err, "response_text", jsonText)
		return nil, err
	}
	applyFloorGuard(text, res)
	res.Cost = cost

	c.log.DebugContext(ctx, "Post classified", "is_real_estate", res.IsRealEstate, "confidence", res.Confidence,
		"total_tokens", cost.TotalTokens, "cost_usd", cost.USD)
	return res, nil
}

// Probe sends a tiny request without retries.
func (c *geminiClassifier) Probe(ctx context.Context) error {
	probeCfg := &genai.GenerateContentConfig{MaxOutputTokens: 5}
	contents := []*genai.Content{genai.NewContentFromText(probePrompt, genai.RoleUser)}

	_, err := c.generate(ctx, c.modelName, contents, probeCfg)
	if err != nil {
		mapped := mapError(err)
		c.log.InfoContext(ctx, "Classifier probe failed", "error", mapped)
		return mapped
	}
	c.log.InfoContext(ctx, "Classifier probe succeeded", "model", c.modelName)
	return nil
}

func (c *geminiClassifier) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		var resp *genai.GenerateContentResponse
		resp, err = c.generate(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", c.maxRetries, "error", err)

		code, ok := apiErrorCode(err)
		if ok && (code == 500 || code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.retryDelay, "code", code)
				if waitErr := sleepCtx(ctx, c.retryDelay); waitErr != nil {
					return nil, mapError(waitErr)
				}
				continue
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError", "error", err, "code", code)
			return nil, fmt.Errorf("%w: failed after %d retries (code %d): %w", ErrTransient, c.maxRetries, code, err)
		}

		mapped := mapError(err)
		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", mapped)
		return nil, mapped
	}
	return nil, mapError(err)
}

func (c *geminiClassifier) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", ErrMalformedResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("%w: blocked by safety filter: %s", ErrMalformedResponse, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("%w: no content, finish reason: %s", ErrMalformedResponse, finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return text, nil
}

// costOf prices the call from usage metadata and the configured per-1K-token table.
func (c *geminiClassifier) costOf(ctx context.Context, resp *genai.GenerateContentResponse) Cost {
	cost := Cost{Model: c.modelName}
	if resp == nil {
		return cost
	}
	if resp.ModelVersion != "" {
		cost.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		cost.PromptTokens = int(u.PromptTokenCount)
		cost.CompletionTokens = int(u.CandidatesTokenCount)
		cost.TotalTokens = int(u.TotalTokenCount)
		if cost.TotalTokens == 0 {
			cost.TotalTokens = cost.PromptTokens + cost.CompletionTokens
		}
	}

	price, ok := c.cfg.PriceFor(c.modelName)
	if !ok {
		c.log.DebugContext(ctx, "No pricing configured for model", "model", c.modelName)
		return cost
	}
	cost.USD = float64(cost.PromptTokens)/1000*price.Input + float64(cost.CompletionTokens)/1000*price.Output
	return cost
}

// mapError translates provider errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTransient) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	if code, ok := apiErrorCode(err); ok {
		if code == 429 || isQuotaMessage(err.Error()) {
			return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("%w: provider returned code %d: %w", ErrTransient, code, err)
	}
	if isQuotaMessage(err.Error()) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}

	// Network failures and anything unrecognised are treated as retryable.
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func apiErrorCode(err error) (int, bool) {
	var ptrErr *genai.APIError
	if errors.As(err, &ptrErr) {
		if ptrErr.Status == "RESOURCE_EXHAUSTED" {
			return 429, true
		}
		return ptrErr.Code, true
	}
	var valErr genai.APIError
	if errors.As(err, &valErr) {
		if valErr.Status == "RESOURCE_EXHAUSTED" {
			return 429, true
		}
		return valErr.Code, true
	}
	return 0, false
}

func isQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"resource_exhausted", "quota", "insufficient", "billing"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
