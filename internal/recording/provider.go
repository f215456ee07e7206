package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider drives recording jobs on the external media provider.
type Provider interface {
	// StartRecording asks the provider to begin composite egress for the
	// room, targeting the given object key. It returns the provider's job id.
	StartRecording(ctx context.Context, room, objectKey string) (string, error)
	// StopRecording asks the provider to finalize the job. The artifact
	// arrives later through a webhook callback.
	StopRecording(ctx context.Context, externalID string) error
}

// ProviderConfig configures the REST egress client.
type ProviderConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPProvider orchestrates recording operations via the provider's egress
// REST endpoints.
type HTTPProvider struct {
	config ProviderConfig
}

// NewHTTPProvider constructs a provider client.
func NewHTTPProvider(cfg ProviderConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider base URL required")
	}
	return &HTTPProvider{config: cfg}, nil
}

type egressStartRequest struct {
	Room      string `json:"room"`
	ObjectKey string `json:"objectKey"`
}

type egressStartResponse struct {
	EgressID string `json:"egressId"`
}

func (p *HTTPProvider) StartRecording(ctx context.Context, room, objectKey string) (string, error) {
	if room == "" || objectKey == "" {
		return "", fmt.Errorf("room and objectKey are required")
	}
	var response egressStartResponse
	url := fmt.Sprintf("%s/v1/egress", strings.TrimRight(p.config.BaseURL, "/"))
	if err := p.post(ctx, url, egressStartRequest{Room: room, ObjectKey: objectKey}, &response); err != nil {
		return "", err
	}
	if response.EgressID == "" {
		return "", fmt.Errorf("provider returned empty egress id")
	}
	return response.EgressID, nil
}

func (p *HTTPProvider) StopRecording(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("externalID is required")
	}
	url := fmt.Sprintf("%s/v1/egress/%s/stop", strings.TrimRight(p.config.BaseURL, "/"), externalID)
	return p.post(ctx, url, struct{}{}, nil)
}

func (p *HTTPProvider) httpClient() *http.Client {
	if p.config.HTTPClient != nil {
		return p.config.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (p *HTTPProvider) post(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
