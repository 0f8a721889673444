package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aerodesk/charterflow/pkg/clients/marketplace"
	"github.com/aerodesk/charterflow/pkg/models"
)

// Search creates the sourcing trip on the marketplace. The returned trip id
// becomes the correlation key the instance parks on until quote webhooks
// arrive.
type Search struct {
	marketplace marketplace.Client
}

func NewSearch(marketplaceClient marketplace.Client) *Search {
	return &Search{marketplace: marketplaceClient}
}

func (s *Search) Role() models.Role {
	return models.RoleSearch
}

func (s *Search) Execute(ctx context.Context, logger *slog.Logger, task models.Task, request models.RFPRequest) (*models.TaskResult, error) {
	externalTripID := "CHARTERFLOW-" + task.InstanceID

	tripRequest := marketplace.TripRequest{
		ExternalTripID: externalTripID,
		Sourcing:       true,
		Segments: []marketplace.Segment{
			{
				StartAirport: marketplace.Airport{ICAO: request.Origin},
				EndAirport:   marketplace.Airport{ICAO: request.Destination},
				DateTime: marketplace.SegmentTime{
					Date:      request.DepartureDate.Format("2006-01-02"),
					Time:      request.DepartureDate.Format("15:04"),
					Departure: true,
					Local:     true,
				},
				PaxCount:   strconv.Itoa(request.PassengerCount),
				PaxSegment: true,
			},
		},
		Criteria: marketplace.Criteria{
			RequiredLift: []marketplace.RequiredLift{
				{AircraftCategory: categoryForPassengers(request.PassengerCount)},
			},
		},
	}

	if !request.ReturnDate.IsZero() {
		tripRequest.Segments = append(tripRequest.Segments, marketplace.Segment{
			StartAirport: marketplace.Airport{ICAO: request.Destination},
			EndAirport:   marketplace.Airport{ICAO: request.Origin},
			DateTime: marketplace.SegmentTime{
				Date:      request.ReturnDate.Format("2006-01-02"),
				Time:      request.ReturnDate.Format("15:04"),
				Departure: true,
				Local:     true,
			},
			PaxCount:   strconv.Itoa(request.PassengerCount),
			PaxSegment: true,
		})
	}

	trip, err := s.marketplace.CreateTrip(ctx, tripRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to create sourcing trip: %w", err)
	}

	logger.InfoContext(ctx, "Sourcing trip created", "trip_id", trip.ID, "deep_link", trip.DeepLink)

	return &models.TaskResult{
		Output: map[string]any{
			"trip_id":          trip.ID,
			"trip_short_id":    trip.ShortID,
			"external_trip_id": externalTripID,
			"deep_link":        trip.DeepLink,
		},
		CorrelationKeys: []string{trip.ID},
	}, nil
}

func categoryForPassengers(count int) string {
	switch {
	case count <= 4:
		return "Light jet"
	case count <= 8:
		return "Midsize jet"
	case count <= 12:
		return "Heavy jet"
	default:
		return "Airliner"
	}
}
