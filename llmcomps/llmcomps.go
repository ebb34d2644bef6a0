// Package llmcomps is the generative last-resort source. It asks a chat
// model for plausible comparable sales when every data provider failed.
// Everything it returns is marked synthetic and weighted low.
package llmcomps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

const (
	ProviderID   = "llm-comps"
	DefaultModel = "gpt-4o-mini"

	compQuality = 20
)

const systemPrompt = `You are a residential real estate analyst. Reply with a single JSON object and nothing else.
Shape: {"estimate": number, "comps": [{"address": string, "price": number, "sqft": number, "beds": number, "baths": number, "saleDate": "YYYY-MM-DD", "distance": number, "condition": "remodeled"|"unremodeled"|"unknown"}]}`

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Adapter struct {
	client *openai.Client
	http   *provider.HTTPClient
	model  string
	ok     bool
	log    *logrus.Entry
	now    func() time.Time
}

func New(cfg Config, log *logrus.Entry) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := provider.NewHTTPClient(ProviderID, provider.HTTPConfig{Timeout: cfg.Timeout, RequestsPerSecond: 1, Burst: 1}, log)
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = hc.Standard()
	return &Adapter{
		client: openai.NewClientWithConfig(oc),
		http:   hc,
		model:  cfg.Model,
		ok:     cfg.APIKey != "",
		log:    log,
		now:    time.Now,
	}
}

func (a *Adapter) ID() string                  { return ProviderID }
func (a *Adapter) Category() provider.Category { return provider.CategoryGenerative }

func (a *Adapter) CanHandle(t provider.RequestType) bool {
	return t == provider.Comps || t == provider.Estimate
}

func (a *Adapter) prompt(p provider.Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject property: %s.\n", p.Identity)
	if p.SubjectSqft > 0 {
		fmt.Fprintf(&b, "Living area: %d sqft.\n", p.SubjectSqft)
	}
	beds, baths := p.SubjectBeds, p.SubjectBaths
	if beds <= 0 {
		beds = provider.DefaultBeds
	}
	if baths <= 0 {
		baths = provider.DefaultBaths
	}
	fmt.Fprintf(&b, "Bedrooms: %d. Bathrooms: %g.\n", beds, baths)
	n := p.MaxComps
	if n <= 0 {
		n = 5
	}
	fmt.Fprintf(&b, "List %d single family sales within %g miles from the last 12 months before %s, and your after-repair value estimate.",
		n, max(p.RadiusMiles, 1), a.now().Format("2006-01-02"))
	return b.String()
}

func (a *Adapter) Fetch(ctx context.Context, p provider.Params) (provider.RawResponse, error) {
	if !a.ok {
		return provider.RawResponse{}, provider.ErrNotConfigured
	}
	if !a.CanHandle(p.Type) {
		return provider.RawResponse{}, fmt.Errorf("llm-comps: unsupported request type %q", p.Type)
	}
	if err := a.http.Wait(ctx); err != nil {
		return provider.RawResponse{}, err
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: a.prompt(p)},
		},
		Temperature:    0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return provider.RawResponse{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return provider.RawResponse{}, provider.Malformed(ProviderID, errors.New("no choices"))
	}
	a.log.WithFields(logrus.Fields{
		"finish_reason": resp.Choices[0].FinishReason,
		"tokens":        resp.Usage.TotalTokens,
	}).Debug("llm comps generated")
	return provider.RawResponse{
		Type:      p.Type,
		Body:      []byte(resp.Choices[0].Message.Content),
		Status:    200,
		Endpoint:  "/chat/completions",
		FetchedAt: a.now(),
	}, nil
}

// classify turns SDK errors into StatusError so the orchestrator's retry
// rules apply to the model endpoint like any other provider.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &provider.StatusError{Provider: ProviderID, Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &provider.StatusError{Provider: ProviderID, Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}

type generated struct {
	Estimate float64 `json:"estimate"`
	Comps    []struct {
		Address   string  `json:"address"`
		Price     float64 `json:"price"`
		Sqft      int     `json:"sqft"`
		Beds      int     `json:"beds"`
		Baths     float64 `json:"baths"`
		SaleDate  string  `json:"saleDate"`
		Distance  float64 `json:"distance"`
		Condition string  `json:"condition"`
	} `json:"comps"`
}

func (a *Adapter) Normalize(raw provider.RawResponse, p provider.Params) (provider.Payload, error) {
	out := provider.Payload{Type: p.Type, Provider: ProviderID}
	body := strings.TrimSpace(string(raw.Body))
	// some models still wrap JSON in a fence
	body = strings.TrimPrefix(strings.TrimPrefix(body, "```json"), "```")
	body = strings.TrimSuffix(body, "```")
	var g generated
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		return out, provider.Malformed(ProviderID, err)
	}
	switch p.Type {
	case provider.Estimate:
		if g.Estimate > 0 {
			out.Estimate = &model.Estimate{SourceProviderID: ProviderID, Value: g.Estimate, Weight: 0.2}
		}
	case provider.Comps:
		for _, c := range g.Comps {
			d, _ := time.Parse("2006-01-02", c.SaleDate)
			comp := model.Comp{
				Address:          c.Address,
				Price:            c.Price,
				Sqft:             c.Sqft,
				Beds:             c.Beds,
				Baths:            c.Baths,
				SaleDate:         d,
				DistanceMiles:    c.Distance,
				Condition:        model.ParseCondition(c.Condition),
				SourceProviderID: ProviderID,
				QualityScore:     compQuality,
				IsReal:           false,
			}
			if comp.Beds <= 0 {
				comp.Beds = provider.DefaultBeds
			}
			if comp.Baths <= 0 {
				comp.Baths = provider.DefaultBaths
			}
			out.Comps = append(out.Comps, comp)
		}
	}
	return out, nil
}
