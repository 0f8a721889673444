package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/clients/directory"
	"github.com/aerodesk/charterflow/pkg/clients/llm"
	"github.com/aerodesk/charterflow/pkg/models"
)

const analystSystemPrompt = `You are a charter flight analyst. Given a trip request,
produce a short structured analysis of the trip requirements: recommended aircraft
category for the passenger count and route length, notable operational constraints
at the origin and destination airports, and anything in the requester notes that
affects sourcing. Answer in plain prose, under 200 words.`

// Analyst resolves the airports through the directory and asks the reasoning
// engine to structure the trip requirements for the downstream search.
type Analyst struct {
	llm       llm.Client
	directory directory.Client
}

func NewAnalyst(llmClient llm.Client, directoryClient directory.Client) *Analyst {
	return &Analyst{llm: llmClient, directory: directoryClient}
}

func (a *Analyst) Role() models.Role {
	return models.RoleAnalyst
}

func (a *Analyst) Execute(ctx context.Context, logger *slog.Logger, _ models.Task, request models.RFPRequest) (*models.TaskResult, error) {
	origin, err := a.directory.LookupAirport(ctx, request.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve origin airport %q: %w", request.Origin, err)
	}

	destination, err := a.directory.LookupAirport(ctx, request.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination airport %q: %w", request.Destination, err)
	}

	prompt := fmt.Sprintf(
		"Trip request:\n- From: %s (%s, %s)\n- To: %s (%s, %s)\n- Departure: %s\n- Passengers: %d\n- Notes: %s",
		origin.ICAO, origin.Name, origin.City,
		destination.ICAO, destination.Name, destination.City,
		request.DepartureDate.Format("2006-01-02"),
		request.PassengerCount,
		request.Notes,
	)

	completion, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: analystSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion failed: %w", err)
	}

	logger.InfoContext(ctx, "Analysis complete",
		"origin", origin.ICAO,
		"destination", destination.ICAO,
		"tokens", completion.Usage.TotalTokens,
	)

	return &models.TaskResult{
		Output: map[string]any{
			"analysis":            completion.Content,
			"origin_airport":      airportOutput(origin),
			"destination_airport": airportOutput(destination),
		},
	}, nil
}

func airportOutput(airport *directory.Airport) map[string]any {
	return map[string]any{
		"icao":      airport.ICAO,
		"name":      airport.Name,
		"city":      airport.City,
		"country":   airport.Country,
		"time_zone": airport.TimeZone,
	}
}
