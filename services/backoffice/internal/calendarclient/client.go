package calendarclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client schedules deadline events on the calendar service. Best-effort
// from the caller's point of view.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

func (c *Client) ScheduleEvent(ctx context.Context, procedureID, title, description, kind string, at time.Time) error {
	payload := map[string]any{
		"procedure_id": procedureID,
		"title":        title,
		"description":  description,
		"kind":         kind,
		"at":           at.UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/events", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("calendar service returned %d", resp.StatusCode)
	}
	return nil
}
