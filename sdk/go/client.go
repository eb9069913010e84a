package cagewatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cagewatch HTTP API client for sensors and gateways.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reading is the payload a sensor posts for its cage.
type Reading struct {
	ID         string   `json:"id"`
	Nitrogen   float64  `json:"nitrogen"`
	Phosphorus float64  `json:"phosphorus"`
	Oxygen     float64  `json:"oxygen"`
	Temp       float64  `json:"temp"`
	Location   Location `json:"location"`
}

// IngestResult is the server's answer to a reading. Move is set only for
// abnormal readings.
type IngestResult struct {
	Move        *Location `json:"move,omitempty"`
	AlertID     string    `json:"alert_id,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Message     string    `json:"message,omitempty"`
}

func (r IngestResult) Abnormal() bool { return r.Move != nil }

// Cage represents the API cage model (partial).
type Cage struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	OwnerID       string   `json:"owner_id"`
	Nitrogen      float64  `json:"nitrogen"`
	Phosphorus    float64  `json:"phosphorus"`
	Oxygen        float64  `json:"oxygen"`
	Temperature   float64  `json:"temperature"`
	Location      Location `json:"location"`
	LastReadingAt string   `json:"last_reading_at,omitempty"`
}

type Delivery struct {
	Channel  string `json:"channel"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type Alert struct {
	ID          string     `json:"id"`
	CageID      string     `json:"cage_id"`
	Explanation string     `json:"explanation"`
	Target      Location   `json:"target"`
	CreatedAt   string     `json:"created_at"`
	Deliveries  []Delivery `json:"deliveries"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PostReading submits a sensor reading.
func (c *Client) PostReading(ctx context.Context, r Reading) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "iot/data", r, &resp)
	return resp, err
}

// ListCages returns the cages visible to the caller.
func (c *Client) ListCages(ctx context.Context) ([]Cage, error) {
	var resp struct {
		Items []Cage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "cages", nil, &resp)
	return resp.Items, err
}

// GetCage fetches a cage by id.
func (c *Client) GetCage(ctx context.Context, id string) (Cage, error) {
	var resp Cage
	err := c.do(ctx, http.MethodGet, "cages/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Alerts returns recent alerts of a cage with delivery outcomes.
func (c *Client) Alerts(ctx context.Context, cageID string, limit int) ([]Alert, error) {
	endpoint := fmt.Sprintf("cages/%s/alerts", url.PathEscape(cageID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Alert `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
