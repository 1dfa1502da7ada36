package peerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// Client is the HTTP implementation of interfaces.PeerTransport.
type Client struct {
	HTTPClient *http.Client
	NodeID     interfaces.PeerID

	// DebugAttestationTypeHeader and DebugMeasurementsHeader set the aTLS
	// headers that a proxy would otherwise add. Development only.
	DebugAttestationTypeHeader string
	DebugMeasurementsHeader    string
}

func NewClient(nodeID interfaces.PeerID, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		NodeID:     nodeID,
	}
}

var _ interfaces.PeerTransport = (*Client)(nil)

// FetchPage retrieves one page of the peer's inventory.
func (c *Client) FetchPage(ctx context.Context, peer interfaces.PeerNode, page interfaces.SyncPage) (*interfaces.SyncPageResponse, error) {
	q := url.Values{}
	q.Set("filter", page.Filter.String())
	q.Set("page_size", strconv.Itoa(page.PageSize))
	q.Set("offset", strconv.Itoa(page.Offset))
	if page.HeadersOnly {
		q.Set("headers_only", "true")
	}

	var resp interfaces.SyncPageResponse
	if err := c.get(ctx, endpoint(peer.Address, "/api/peer/inventory")+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("inventory of %s: %w", peer.ID, err)
	}
	return &resp, nil
}

// Ping checks that the peer answers and is the node it claims to be.
func (c *Client) Ping(ctx context.Context, peer interfaces.PeerNode) error {
	var resp PingResponse
	if err := c.get(ctx, endpoint(peer.Address, "/api/peer/ping"), &resp); err != nil {
		return fmt.Errorf("ping %s: %w", peer.ID, err)
	}
	if resp.NodeID != peer.ID {
		return fmt.Errorf("ping %s: answered by %q", peer.ID, resp.NodeID)
	}
	return nil
}

// NodeInfo fetches the public descriptor of the node at address.
func (c *Client) NodeInfo(ctx context.Context, address string) (*interfaces.NodeInfo, error) {
	var info interfaces.NodeInfo
	if err := c.get(ctx, endpoint(address, "/api/public/node_info"), &info); err != nil {
		return nil, fmt.Errorf("node info of %s: %w", address, err)
	}
	if info.Address == "" {
		info.Address = address
	}
	return &info, nil
}

func (c *Client) get(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if c.NodeID != "" {
		req.Header.Set(api.NodeIDHeader, string(c.NodeID))
	}
	if c.DebugAttestationTypeHeader != "" {
		req.Header.Set(cryptoutils.AttestationTypeHeader, c.DebugAttestationTypeHeader)
	}
	if c.DebugMeasurementsHeader != "" {
		req.Header.Set(cryptoutils.MeasurementHeader, c.DebugMeasurementsHeader)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*api.MaxBodySize))
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func endpoint(address, path string) string {
	return strings.TrimSuffix(address, "/") + path
}
