package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/clients/llm"
	"github.com/aerodesk/charterflow/pkg/models"
)

const rankerSystemPrompt = `You are a charter flight broker ranking operator quotes
for a client. Given the quotes as JSON, rank them best-first considering price,
aircraft suitability for the passenger count, operator rating and schedule fit.
Respond with JSON only, shaped as:
{"ranked": [{"quote_id": "...", "rank": 1, "reason": "..."}], "summary": "..."}`

// Ranker scores the marketplace quotes once the webhook delivers them. The
// task payload is the raw webhook payload for the matched event.
type Ranker struct {
	llm llm.Client
}

func NewRanker(llmClient llm.Client) *Ranker {
	return &Ranker{llm: llmClient}
}

func (r *Ranker) Role() models.Role {
	return models.RoleRanker
}

func (r *Ranker) Execute(ctx context.Context, logger *slog.Logger, task models.Task, request models.RFPRequest) (*models.TaskResult, error) {
	quotes, ok := task.Payload["quotes"]
	if !ok {
		// Some marketplace event versions nest quotes under "data".
		if data, isMap := task.Payload["data"].(map[string]any); isMap {
			quotes = data["quotes"]
		}
	}

	if quotes == nil {
		return nil, fmt.Errorf("event payload contains no quotes to rank")
	}

	quotesJSON, err := json.Marshal(quotes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quotes: %w", err)
	}

	prompt := fmt.Sprintf(
		"Passenger count: %d. Route: %s to %s on %s.\nQuotes:\n%s",
		request.PassengerCount,
		request.Origin,
		request.Destination,
		request.DepartureDate.Format("2006-01-02"),
		quotesJSON,
	)

	completion, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: rankerSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ranking completion failed: %w", err)
	}

	var ranking struct {
		Ranked  []map[string]any `json:"ranked"`
		Summary string           `json:"summary"`
	}

	if err := json.Unmarshal([]byte(completion.Content), &ranking); err != nil {
		return nil, fmt.Errorf("ranking response is not valid JSON: %w", err)
	}

	if len(ranking.Ranked) == 0 {
		return nil, fmt.Errorf("ranking response contained no ranked quotes")
	}

	logger.InfoContext(ctx, "Quotes ranked", "quote_count", len(ranking.Ranked))

	return &models.TaskResult{
		Output: map[string]any{
			"quotes":  quotes,
			"ranked":  ranking.Ranked,
			"summary": ranking.Summary,
		},
	}, nil
}
