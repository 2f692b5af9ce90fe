package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

// HTTPBuilderConfig configures the client for a remote build service.
type HTTPBuilderConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPBuilder submits a build to an external build service and reports the
// published artifact identifier. Transport errors are retried with a short
// linear backoff; a build the service reports as failed is not, because a
// red build stays red for the same commit.
type HTTPBuilder struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPBuilder(cfg HTTPBuilderConfig) (*HTTPBuilder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("builder base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/build"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPBuilder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type buildRequest struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

type buildResponse struct {
	Passed     bool   `json:"passed"`
	ArtifactID string `json:"artifactId"`
	Detail     string `json:"detail,omitempty"`
}

func (b *HTTPBuilder) Build(ctx context.Context, tc trigger.Context) (string, error) {
	body, err := json.Marshal(buildRequest{Branch: tc.Branch, Commit: tc.Commit})
	if err != nil {
		return "", fmt.Errorf("marshal build request: %w", err)
	}

	attempts := b.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.baseURL+b.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			id, done, decodeErr := decodeBuild(resp)
			resp.Body.Close()
			if done {
				return id, decodeErr
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return "", fmt.Errorf("build failed after %d attempts: %w", attempts, lastErr)
}

// decodeBuild interprets one response. done=true means the build service gave
// a definitive answer (pass or fail) and retrying is pointless.
func decodeBuild(resp *http.Response) (id string, done bool, err error) {
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("build service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var br buildResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return "", false, fmt.Errorf("decode build response: %w", err)
	}
	if !br.Passed {
		detail := br.Detail
		if detail == "" {
			detail = "build or checks failed"
		}
		return "", true, fmt.Errorf("build rejected: %s", detail)
	}
	if br.ArtifactID == "" {
		return "", true, fmt.Errorf("build passed but returned no artifact id")
	}
	return br.ArtifactID, true, nil
}
