package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPGateway checks settlement state against the provider's REST endpoint.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPGateway(baseURL, token string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (g *HTTPGateway) CheckStatus(ctx context.Context, id string) (GatewayStatus, error) {
	u := g.baseURL + "/v1/payments/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payments: gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("payments: gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var sr statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return "", fmt.Errorf("payments: decode gateway response: %w", err)
	}
	switch s := GatewayStatus(strings.ToLower(sr.Status)); s {
	case GatewayPending, GatewayApproved, GatewayRejected:
		return s, nil
	default:
		return "", fmt.Errorf("payments: unknown gateway status %q", sr.Status)
	}
}
