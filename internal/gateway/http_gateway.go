package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPGateway posts messages to the provider's JSON send API.
type HTTPGateway struct {
	url    string
	apiKey string
	client *http.Client
	now    func() time.Time
}

func NewHTTPGateway(url, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

type sendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *HTTPGateway) Send(ctx context.Context, from, to, body string) Result {
	reqBody, err := json.Marshal(sendRequest{From: from, To: to, Body: body})
	if err != nil {
		return Permanent("encode request: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(reqBody))
	if err != nil {
		return Permanent("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Transient("request canceled", 0)
		}
		return Transient("network error: "+err.Error(), 0)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Transient(fmt.Sprintf("rate limited body=%q", string(raw)), g.retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return Transient(fmt.Sprintf("provider status %d body=%q", resp.StatusCode, string(raw)), g.retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 400:
		return Permanent(fmt.Sprintf("provider rejected message: status %d body=%q", resp.StatusCode, string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Transient(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), 0)
	}

	// The provider has accepted the message. Retrying would send it twice, so
	// an unreadable body is still a send, without a message id.
	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return acceptedWithoutID(fmt.Sprintf("failed to decode json: %v body=%q", err, string(raw)))
	}
	if sr.ID == "" {
		return acceptedWithoutID(fmt.Sprintf("missing message id in response body=%q", string(raw)))
	}
	return Sent(sr.ID)
}

func acceptedWithoutID(reason string) Result {
	return Result{Outcome: OutcomeSent, Reason: reason}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func (g *HTTPGateway) retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := at.Sub(g.now()); d > 0 {
			return d
		}
	}
	return 0
}
