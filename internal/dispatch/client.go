package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gymops/gymsync/internal/service"
)

// Client pushes claimed outbox batches to the central ingest endpoint.
type Client struct {
	httpClient   *http.Client
	pushURL      string
	secretHeader string
	sharedSecret string
}

func NewClient(pushURL, secretHeader, sharedSecret string, timeout time.Duration) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		pushURL:      pushURL,
		secretHeader: secretHeader,
		sharedSecret: sharedSecret,
	}
}

// PushBatch delivers one batch. Any transport error, timeout, or non-200
// answer is a delivery failure; the caller must treat the outcome of every
// event in the batch as unknown and retry later.
func (c *Client) PushBatch(ctx context.Context, req *service.IngestRequest) (*service.IngestResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(c.secretHeader, c.sharedSecret)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push rejected: status %d: %s", httpResp.StatusCode, truncate(respBody, 200))
	}

	var resp service.IngestResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("push response: %w", err)
	}
	return &resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
