package quoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// Client requests share grants from a node. Errors wrap the interfaces
// sentinels matching the response status.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{HTTPClient: http.DefaultClient, BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (c *Client) RequestShare(ctx context.Context, req interfaces.QuoteRequest) (*interfaces.SealedShareGrant, error) {
	payload, err := json.Marshal(api.QuoteRequestBody{
		Caller:     req.Caller,
		Token:      req.Token,
		ShareIndex: req.ShareIndex,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/quote/"+url.PathEscape(string(req.CapsuleID)), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("could not request quote: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, api.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("could not read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, api.ErrorFromStatus(resp.StatusCode, body)
	}

	var grant interfaces.SealedShareGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("could not parse quote response: %w", err)
	}
	return &grant, nil
}
