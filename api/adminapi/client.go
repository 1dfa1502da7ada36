package adminapi

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

	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/backup"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// Client calls the admin API of one node.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Peers(ctx context.Context) ([]directory.PeerStatus, error) {
	var out []directory.PeerStatus
	return out, c.do(ctx, http.MethodGet, "/api/admin/peers", nil, &out)
}

func (c *Client) RegisterPeer(ctx context.Context, address string) (interfaces.PeerNode, error) {
	var out interfaces.PeerNode
	return out, c.do(ctx, http.MethodPost, "/api/admin/peers", api.RegisterPeerRequest{Address: address}, &out)
}

func (c *Client) ReinstatePeer(ctx context.Context, id interfaces.PeerID) error {
	return c.do(ctx, http.MethodPost, "/api/admin/peers/"+url.PathEscape(string(id))+"/reinstate", nil, nil)
}

func (c *Client) Capsules(ctx context.Context) ([]interfaces.Capsule, error) {
	var out []interfaces.Capsule
	return out, c.do(ctx, http.MethodGet, "/api/admin/capsules", nil, &out)
}

func (c *Client) RegisterCapsule(ctx context.Context, id interfaces.CapsuleID, mediaRef string) (interfaces.Capsule, error) {
	var out interfaces.Capsule
	return out, c.do(ctx, http.MethodPost, "/api/admin/capsules", api.RegisterCapsuleRequest{CapsuleID: id, MediaRef: mediaRef}, &out)
}

func (c *Client) RevokeCapsule(ctx context.Context, id interfaces.CapsuleID) (interfaces.Capsule, error) {
	var out interfaces.Capsule
	return out, c.do(ctx, http.MethodPost, "/api/admin/capsules/"+url.PathEscape(string(id))+"/revoke", nil, &out)
}

func (c *Client) IngestShares(ctx context.Context, shares []interfaces.WireShare) ([]api.IngestResult, error) {
	var out api.IngestSharesResponse
	if err := c.do(ctx, http.MethodPost, "/api/admin/shares", api.IngestSharesRequest{Shares: shares}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Gaps(ctx context.Context) ([]interfaces.Gap, error) {
	var out []interfaces.Gap
	return out, c.do(ctx, http.MethodGet, "/api/admin/gaps", nil, &out)
}

func (c *Client) Audit(ctx context.Context) ([]interfaces.Gap, error) {
	var out []interfaces.Gap
	return out, c.do(ctx, http.MethodPost, "/api/admin/audit", nil, &out)
}

func (c *Client) Backup(ctx context.Context) (backup.Result, error) {
	var out backup.Result
	return out, c.do(ctx, http.MethodPost, "/api/admin/backup", nil, &out)
}

func (c *Client) Restore(ctx context.Context, id interfaces.ContentID) (backup.RestoreReport, error) {
	var out backup.RestoreReport
	return out, c.do(ctx, http.MethodPost, "/api/admin/restore/"+id.String(), nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set(api.AdminTokenHeader, c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16*api.MaxBodySize))
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %w", method, path, api.ErrorFromStatus(resp.StatusCode, respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
