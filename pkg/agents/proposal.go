package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/clients/llm"
	"github.com/aerodesk/charterflow/pkg/models"
)

const proposalSystemPrompt = `You are drafting a charter flight proposal email for a
client. Given the ranked quotes and the trip details, write a professional,
concise proposal presenting the top options with pricing. Respond with JSON only:
{"subject": "...", "html_body": "<html>...</html>", "text_body": "..."}`

// Proposal turns the ranked quotes into a client-facing document.
type Proposal struct {
	llm llm.Client
}

func NewProposal(llmClient llm.Client) *Proposal {
	return &Proposal{llm: llmClient}
}

func (p *Proposal) Role() models.Role {
	return models.RoleProposal
}

func (p *Proposal) Execute(ctx context.Context, logger *slog.Logger, task models.Task, request models.RFPRequest) (*models.TaskResult, error) {
	ranked, ok := task.Payload["ranked"]
	if !ok {
		return nil, fmt.Errorf("task payload contains no ranked quotes")
	}

	rankedJSON, err := json.Marshal(ranked)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ranked quotes: %w", err)
	}

	prompt := fmt.Sprintf(
		"Client: %s. Route: %s to %s on %s, %d passengers.\nRanked quotes:\n%s",
		request.RequesterName,
		request.Origin,
		request.Destination,
		request.DepartureDate.Format("2006-01-02"),
		request.PassengerCount,
		rankedJSON,
	)

	completion, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: proposalSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("proposal completion failed: %w", err)
	}

	var draft struct {
		Subject  string `json:"subject"`
		HTMLBody string `json:"html_body"`
		TextBody string `json:"text_body"`
	}

	if err := json.Unmarshal([]byte(completion.Content), &draft); err != nil {
		return nil, fmt.Errorf("proposal response is not valid JSON: %w", err)
	}

	if draft.Subject == "" || draft.HTMLBody == "" {
		return nil, fmt.Errorf("proposal response missing subject or body")
	}

	logger.InfoContext(ctx, "Proposal drafted", "subject", draft.Subject)

	return &models.TaskResult{
		Output: map[string]any{
			"subject":   draft.Subject,
			"html_body": draft.HTMLBody,
			"text_body": draft.TextBody,
		},
	}, nil
}
