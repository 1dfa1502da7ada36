// Package peerapi serves and consumes the node-to-node RPC: inventory pages,
// liveness pings and the public node descriptor.
//
// Inventory requests name the calling node in the X-Keyshare-Node-ID header.
// The payloads in a page are wrapped to that node's registered public key, so
// a caller that lies about its id receives nothing it can decrypt. When the
// request carries aTLS measurement headers, their fingerprint must match the
// one recorded for the caller at discovery.
package peerapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// MaxPageSize caps the page size a caller may request.
const MaxPageSize = 1000

// PageServer answers inventory requests.
type PageServer interface {
	ServePage(ctx context.Context, requester interfaces.PeerID, page interfaces.SyncPage) (*interfaces.SyncPageResponse, error)
}

// PeerLookup resolves registered peers.
type PeerLookup interface {
	Peer(id interfaces.PeerID) (interfaces.PeerNode, bool)
}

type Handler struct {
	self   *interfaces.NodeInfo
	server PageServer
	peers  PeerLookup
	log    *slog.Logger
}

func NewHandler(self *interfaces.NodeInfo, server PageServer, peers PeerLookup, log *slog.Logger) *Handler {
	return &Handler{
		self:   self,
		server: server,
		peers:  peers,
		log:    log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/peer/inventory", h.HandleInventory)
	r.Get("/api/peer/ping", h.HandlePing)
	r.Get("/api/public/node_info", h.HandleNodeInfo)
}

// HandleInventory serves one page of the local inventory.
//
// URL format: GET /api/peer/inventory?filter=<capsule id or *>&page_size=<n>&offset=<n>[&headers_only=true]
func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	requester := interfaces.PeerID(r.Header.Get(api.NodeIDHeader))
	if requester == "" {
		api.WriteError(w, fmt.Errorf("%w: missing %s header", interfaces.ErrUnauthorized, api.NodeIDHeader))
		return
	}

	page, err := parsePage(r)
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.checkFingerprint(r, requester); err != nil {
		h.log.Warn("Rejected inventory request", slog.String("peer", string(requester)), "err", err)
		api.WriteError(w, err)
		return
	}

	resp, err := h.server.ServePage(r.Context(), requester, page)
	if err != nil {
		if !errors.Is(err, interfaces.ErrUnauthorized) {
			h.log.Error("Could not serve inventory page",
				slog.String("peer", string(requester)),
				slog.String("filter", string(page.Filter)),
				"err", err)
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) checkFingerprint(r *http.Request, requester interfaces.PeerID) error {
	fingerprint, err := cryptoutils.FingerprintFromATLS(r)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
	}
	if fingerprint == "" {
		return nil
	}
	peer, ok := h.peers.Peer(requester)
	if !ok {
		return fmt.Errorf("%w: unknown peer %q", interfaces.ErrUnauthorized, requester)
	}
	if peer.AttestationFingerprint != "" && peer.AttestationFingerprint != fingerprint {
		return fmt.Errorf("%w: measurements of %q do not match its attestation", interfaces.ErrUnauthorized, requester)
	}
	return nil
}

func parsePage(r *http.Request) (interfaces.SyncPage, error) {
	q := r.URL.Query()
	page := interfaces.SyncPage{Filter: interfaces.SyncFilter(q.Get("filter"))}
	if err := page.Filter.Validate(); err != nil {
		return page, fmt.Errorf("invalid filter: %w", err)
	}

	var err error
	if page.PageSize, err = intParam(q.Get("page_size"), 100); err != nil || page.PageSize < 1 {
		return page, errors.New("invalid page_size")
	}
	if page.PageSize > MaxPageSize {
		return page, fmt.Errorf("page_size exceeds %d", MaxPageSize)
	}
	if page.Offset, err = intParam(q.Get("offset"), 0); err != nil || page.Offset < 0 {
		return page, errors.New("invalid offset")
	}
	if v := q.Get("headers_only"); v != "" {
		if page.HeadersOnly, err = strconv.ParseBool(v); err != nil {
			return page, errors.New("invalid headers_only")
		}
	}
	return page, nil
}

func intParam(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

// PingResponse is returned by GET /api/peer/ping.
type PingResponse struct {
	Status string            `json:"status"`
	NodeID interfaces.PeerID `json:"node_id"`
}

func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, PingResponse{Status: "ok", NodeID: h.self.ID})
}

// HandleNodeInfo publishes the node id, its transport public key and the
// attestation binding them.
func (h *Handler) HandleNodeInfo(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.self)
}
