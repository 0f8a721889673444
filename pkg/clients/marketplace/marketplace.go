// Package marketplace wraps the charter marketplace API used by the search
// agent to source aircraft availability for a trip.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aerodesk/charterflow/pkg/clients"
)

const defaultTimeout = 30 * time.Second

// Client is the marketplace sourcing API.
type Client interface {
	// CreateTrip posts a sourcing trip and returns its identifiers. The
	// marketplace reports quote activity asynchronously through webhooks
	// keyed by the returned trip ID.
	CreateTrip(ctx context.Context, req TripRequest) (*Trip, error)
}

type Airport struct {
	ICAO string `json:"icao"`
}

type SegmentTime struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	Departure bool   `json:"departure"`
	Local     bool   `json:"local"`
}

type Segment struct {
	StartAirport Airport     `json:"startAirport"`
	EndAirport   Airport     `json:"endAirport"`
	DateTime     SegmentTime `json:"dateTime"`
	PaxCount     string      `json:"paxCount"`
	PaxSegment   bool        `json:"paxSegment"`
	PaxTBD       bool        `json:"paxTBD"`
	TimeTBD      bool        `json:"timeTBD"`
}

type RequiredLift struct {
	AircraftCategory string `json:"aircraftCategory"`
	AircraftType     string `json:"aircraftType"`
	AircraftTail     string `json:"aircraftTail"`
}

type Criteria struct {
	RequiredLift []RequiredLift `json:"requiredLift"`
}

type TripRequest struct {
	ExternalTripID string    `json:"externalTripId"`
	Sourcing       bool      `json:"sourcing"`
	Segments       []Segment `json:"segments"`
	Criteria       Criteria  `json:"criteria"`
}

// Trip identifies a created sourcing trip. ID is the correlation key later
// webhook events carry; DeepLink opens the trip in the marketplace UI.
type Trip struct {
	ID       string
	ShortID  string
	DeepLink string
}

// HTTPClient authenticates with the marketplace's dual-token scheme: a
// subscription token header plus a bearer token, optionally acting on behalf
// of a broker sub-account.
type HTTPClient struct {
	baseURL      string
	apiToken     string
	bearerToken  string
	actAsAccount string
	httpClient   *http.Client
}

func NewHTTPClient(baseURL, apiToken, bearerToken, actAsAccount string) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		apiToken:     apiToken,
		bearerToken:  bearerToken,
		actAsAccount: actAsAccount,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type wireTrip struct {
	Data struct {
		ID      string `json:"id"`
		TripID  string `json:"tripId"`
		Actions struct {
			SearchInMarketplace struct {
				Href string `json:"href"`
			} `json:"searchInMarketplace"`
		} `json:"actions"`
	} `json:"data"`
}

func (c *HTTPClient) CreateTrip(ctx context.Context, req TripRequest) (*Trip, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trip request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trips", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build trip request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Marketplace-ApiToken", c.apiToken)
	httpReq.Header.Set("Authorization", "Bearer "+c.bearerToken)
	httpReq.Header.Set("X-Marketplace-SentTimestamp", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))

	if c.actAsAccount != "" {
		httpReq.Header.Set("X-Marketplace-ActAsAccount", c.actAsAccount)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("trip request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read trip response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &clients.StatusError{Service: "marketplace", Status: resp.StatusCode, Body: string(respBody)}
	}

	var wire wireTrip
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode trip response: %w", err)
	}

	if wire.Data.ID == "" {
		return nil, fmt.Errorf("trip response missing trip id")
	}

	return &Trip{
		ID:       wire.Data.ID,
		ShortID:  wire.Data.TripID,
		DeepLink: wire.Data.Actions.SearchInMarketplace.Href,
	}, nil
}
