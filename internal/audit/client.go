// Package audit implements contracts.AuditClient, the LLM-backed control
// engine that scores a transcript against a declarative AuditConfig (§1,
// §3 AuditConfig/Audit, §4.A stage 5). The orchestrator treats this engine
// as an opaque collaborator: it never interprets AuditResult content beyond
// persisting it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Client is the production contracts.AuditClient, backed by the Anthropic
// Messages API.
type Client struct {
	api   anthropic.Client
	model anthropic.Model
}

// NewClient creates a Client. apiKey may be empty to rely on the SDK's
// default ANTHROPIC_API_KEY environment lookup.
func NewClient(apiKey string, model anthropic.Model) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = anthropic.ModelClaude3_7SonnetLatest
	}
	return &Client{api: anthropic.NewClient(opts...), model: model}
}

// auditResponse is the strict JSON shape the audit prompt asks the model to
// return, one entry per control step in cfg.ControlSteps order.
type auditResponse struct {
	Findings []struct {
		Keyword string `json:"keyword"`
		Passed  bool   `json:"passed"`
	} `json:"findings"`
}

// RunAudit sends the fiche's raw data and the ids of its transcripts (not
// the transcript text) to the model, scored against cfg's weighted keyword
// controls, and returns the opaque AuditResult the caller persists verbatim.
func (c *Client) RunAudit(ctx context.Context, cfg contracts.AuditConfig, ficheRawData []byte, transcriptIDs []string) (*contracts.AuditResult, error) {
	prompt := buildPrompt(cfg, ficheRawData, transcriptIDs)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: cfg.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("running audit %q: %w", cfg.Name, wrapUnavailable(err))
	}

	text := extractText(msg)
	var parsed auditResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("decoding audit response for %q: %w", cfg.Name, err)
	}

	weightByKeyword := make(map[string]contracts.AuditControlStep, len(cfg.ControlSteps))
	for _, step := range cfg.ControlSteps {
		weightByKeyword[step.Keyword] = step
	}

	findings := make([]contracts.AuditFinding, 0, len(parsed.Findings))
	var totalWeight, earnedWeight float64
	for _, f := range parsed.Findings {
		step, ok := weightByKeyword[f.Keyword]
		if !ok {
			continue
		}
		findings = append(findings, contracts.AuditFinding{
			Keyword:  f.Keyword,
			Severity: step.Severity,
			Weight:   step.Weight,
			Passed:   f.Passed,
		})
		totalWeight += step.Weight
		if f.Passed {
			earnedWeight += step.Weight
		}
	}

	var score *float64
	if totalWeight > 0 {
		s := earnedWeight / totalWeight
		score = &s
	}

	return &contracts.AuditResult{Score: score, Findings: findings}, nil
}

func buildPrompt(cfg contracts.AuditConfig, ficheRawData []byte, transcriptIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Audit configuration: %s\n", cfg.Name)
	fmt.Fprintf(&b, "Fiche data: %s\n", string(ficheRawData))
	fmt.Fprintf(&b, "Transcript ids: %s\n", strings.Join(transcriptIDs, ", "))
	b.WriteString("For each control step, decide pass/fail and return strict JSON matching {\"findings\":[{\"keyword\":string,\"passed\":bool}]}.\n")
	for _, step := range cfg.ControlSteps {
		fmt.Fprintf(&b, "- [%d] keyword=%q severity=%s weight=%.2f\n", step.Order, step.Keyword, step.Severity, step.Weight)
	}
	return b.String()
}

func extractText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", contracts.ErrAuditEngineUnavailable, err)
}

var _ contracts.AuditClient = (*Client)(nil)
