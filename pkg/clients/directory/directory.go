// Package directory wraps the internal airport/operator directory the
// analyst agent consults to resolve and validate airport codes.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aerodesk/charterflow/pkg/clients"
)

const defaultTimeout = 10 * time.Second

type Client interface {
	// LookupAirport resolves an ICAO code to airport metadata.
	LookupAirport(ctx context.Context, icao string) (*Airport, error)
}

type Airport struct {
	ICAO       string `json:"icao"`
	IATA       string `json:"iata,omitempty"`
	Name       string `json:"name"`
	City       string `json:"city"`
	Country    string `json:"country"`
	TimeZone   string `json:"time_zone"`
	MaxRunwayM int    `json:"max_runway_m,omitempty"`
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *HTTPClient) LookupAirport(ctx context.Context, icao string) (*Airport, error) {
	endpoint := c.baseURL + "/airports/" + url.PathEscape(icao)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build airport lookup: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("airport lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read airport response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &clients.StatusError{Service: "directory", Status: resp.StatusCode, Body: string(body)}
	}

	var airport Airport
	if err := json.Unmarshal(body, &airport); err != nil {
		return nil, fmt.Errorf("failed to decode airport response: %w", err)
	}

	return &airport, nil
}
