package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/genai"

	"github.com/edgard/estatebot/internal/config"
)

const notAdJSON = `{
  "is_real_estate": false, "confidence": 0.9, "property_type": null, "rental_type": null,
  "rooms_count": null, "area_sqm": null, "price": null, "currency": null, "city": null,
  "district": null, "address": null, "contacts": null,
  "has_balcony": null, "has_air_conditioning": null, "has_internet": null, "has_furniture": null,
  "has_parking": null, "has_garden": null, "has_pool": null, "has_elevator": null,
  "pets_allowed": null, "utilities_included": null, "floor": null, "total_floors": null,
  "notes": "search request"
}`

func adJSON(rooms string, confidence float64) string {
	return fmt.Sprintf(`{
  "is_real_estate": true, "confidence": %v, "property_type": "apartment", "rental_type": "long_term",
  "rooms_count": %s, "area_sqm": 55, "price": 500000, "currency": "amd", "city": "Yerevan",
  "district": "Kentron", "address": null, "contacts": ["+37400000000"],
  "has_balcony": true, "has_air_conditioning": null, "has_internet": null, "has_furniture": false,
  "has_parking": null, "has_garden": null, "has_pool": null, "has_elevator": null,
  "pets_allowed": false, "utilities_included": null, "floor": 3, "total_floors": 8,
  "notes": null
}`, confidence, rooms)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     1000,
			CandidatesTokenCount: 500,
			TotalTokenCount:      1500,
		},
	}
}

type fakeGenerator struct {
	calls     int
	responses []*genai.GenerateContentResponse
	errs      []error
}

func (f *fakeGenerator) generate(_ context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func testConfig() config.GeminiConfig {
	return config.GeminiConfig{
		APIKey:     "test",
		ModelName:  "gemini-2.0-flash",
		MaxRetries: 2,
		Pricing:    []config.ModelPricing{{Model: "gemini-2.0-flash", Input: 0.0001, Output: 0.0004}},
	}
}

func newTestClassifier(gen *fakeGenerator) *geminiClassifier {
	return newGeminiClassifier(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), gen.generate)
}

func TestClassifyRealEstate(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(adJSON("2", 0.95))}}
	c := newTestClassifier(gen)

	res, err := c.Classify(context.Background(), "Сдаю 2к квартиру, 3/8 этаж, 500.000 драм")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if !res.IsRealEstate {
		t.Fatal("IsRealEstate = false, want true")
	}
	if res.Ad.RoomsCount == nil || *res.Ad.RoomsCount != 2 {
		t.Errorf("RoomsCount = %v, want 2 (explicit room expression)", res.Ad.RoomsCount)
	}
	if res.Ad.Currency == nil || *res.Ad.Currency != "AMD" {
		t.Errorf("Currency = %v, want normalized AMD", res.Ad.Currency)
	}
	if res.Ad.HasBalcony == nil || !*res.Ad.HasBalcony || res.Ad.HasPool != nil {
		t.Errorf("amenities not decoded: balcony %v pool %v", res.Ad.HasBalcony, res.Ad.HasPool)
	}

	wantCost := Cost{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500, Model: "gemini-2.0-flash"}
	gotCost := res.Cost
	if math.Abs(gotCost.USD-0.0003) > 1e-9 {
		t.Errorf("Cost.USD = %v, want 0.0003", gotCost.USD)
	}
	gotCost.USD = 0
	if diff := cmp.Diff(wantCost, gotCost); diff != "" {
		t.Errorf("Cost mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyNotRealEstateStillReportsCost(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(notAdJSON)}}
	c := newTestClassifier(gen)

	res, err := c.Classify(context.Background(), "ищу квартиру в центре")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.IsRealEstate {
		t.Error("IsRealEstate = true, want false")
	}
	if res.Cost.TotalTokens != 1500 || res.Cost.USD == 0 {
		t.Errorf("Cost = %+v, want tokens and price recorded", res.Cost)
	}
	if diff := cmp.Diff(Ad{}, res.Ad); diff != "" {
		t.Errorf("Ad not empty for non real estate (-want +got):\n%s", diff)
	}
}

func TestClassifyMalformed(t *testing.T) {
	t.Parallel()

	missingNotes := strings.Replace(adJSON("2", 0.5), `"notes": null`, `"other": null`, 1)
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
	}{
		{"not json", textResponse("I think this is an apartment")},
		{"missing key", textResponse(missingNotes)},
		{"confidence out of range", textResponse(adJSON("2", 1.5))},
		{"wrong type", textResponse(adJSON(`"two"`, 0.5))},
		{"no candidates", &genai.GenerateContentResponse{}},
		{"blocked", &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
			BlockReason: genai.BlockedReasonSafety,
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{tt.resp}}
			_, err := newTestClassifier(gen).Classify(context.Background(), "some post")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("Classify() error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestClassifyErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		want      error
		wantCalls int
	}{
		{"429 pointer", []error{&genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}}, ErrQuotaExceeded, 1},
		{"429 value", []error{genai.APIError{Code: 429}}, ErrQuotaExceeded, 1},
		{"quota text", []error{errors.New("insufficient balance on account")}, ErrQuotaExceeded, 1},
		{"503 retried then ok", []error{&genai.APIError{Code: 503}, nil}, nil, 2},
		{"500 exhausts retries", []error{
			&genai.APIError{Code: 500}, &genai.APIError{Code: 500}, &genai.APIError{Code: 500},
		}, ErrTransient, 3},
		{"deadline", []error{context.DeadlineExceeded}, ErrTransient, 1},
		{"network", []error{errors.New("dial tcp: connection refused")}, ErrTransient, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gen := &fakeGenerator{
				errs:      tt.errs,
				responses: []*genai.GenerateContentResponse{textResponse(notAdJSON)},
			}
			_, err := newTestClassifier(gen).Classify(context.Background(), "post")
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Classify() error = %v, want nil", err)
				}
			} else if !errors.Is(err, tt.want) {
				t.Fatalf("Classify() error = %v, want %v", err, tt.want)
			}
			if gen.calls != tt.wantCalls {
				t.Errorf("provider calls = %d, want %d", gen.calls, tt.wantCalls)
			}
		})
	}
}

func TestClassifyEmptyText(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(notAdJSON)}}
	if _, err := newTestClassifier(gen).Classify(context.Background(), "  \n"); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Classify() error = %v, want ErrEmptyText", err)
	}
	if gen.calls != 0 {
		t.Errorf("provider called %d times for empty text", gen.calls)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{errs: []error{&genai.APIError{Code: 429}}, responses: []*genai.GenerateContentResponse{textResponse("ok")}}
	c := newTestClassifier(gen)
	if err := c.Probe(context.Background()); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("first Probe() error = %v, want ErrQuotaExceeded", err)
	}
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("second Probe() error = %v, want nil", err)
	}
}

func TestApplyFloorGuard(t *testing.T) {
	t.Parallel()

	intp := func(v int) *int { return &v }
	tests := []struct {
		name      string
		text      string
		rooms     *int
		wantRooms *int
		wantFloor *int
		wantNote  bool
	}{
		{"floor pair copied into rooms", "Рубен Севака 26, 3/8 этаж, 500.000драм", intp(3), nil, intp(3), true},
		{"english floor pair", "Flat for rent, 4/9 floor, 400$", intp(4), nil, intp(4), true},
		{"explicit room count kept", "Сдаю 3к квартиру, 3/8 этаж", intp(3), intp(3), intp(3), false},
		{"studio kept", "Студия, 5/9 этаж", intp(5), intp(5), intp(5), false},
		{"different value kept", "3/8 этаж, просторная", intp(2), intp(2), intp(3), false},
		{"no floor pair", "2-room apartment downtown", intp(2), intp(2), nil, false},
		{"unknown rooms", "3/8 floor", nil, nil, intp(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := &Result{IsRealEstate: true, Ad: Ad{RoomsCount: tt.rooms}}
			applyFloorGuard(tt.text, res)

			if diff := cmp.Diff(tt.wantRooms, res.Ad.RoomsCount); diff != "" {
				t.Errorf("RoomsCount mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantFloor, res.Ad.Floor); diff != "" {
				t.Errorf("Floor mismatch (-want +got):\n%s", diff)
			}
			if gotNote := res.Notes != ""; gotNote != tt.wantNote {
				t.Errorf("Notes = %q, want note: %v", res.Notes, tt.wantNote)
			}
		})
	}
}
