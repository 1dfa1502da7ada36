// Package adminapi is the operator surface of a node: peer management,
// capsule registration and revocation, share ingest, gap inspection, on-demand
// audits and snapshot backup/restore.
//
// Every request must carry the configured secret in the X-Admin-Token header.
// Shares are ingested only in wrapped form: each payload is encrypted to the
// node's public key, bound to its header and the node id, so plaintext key
// material never crosses the operator's network.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/backup"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// MaxIngestShares bounds the number of shares in one ingest request.
const MaxIngestShares = 256

type Directory interface {
	Register(node interfaces.PeerNode)
	Reinstate(id interfaces.PeerID) error
	Snapshot() []directory.PeerStatus
}

// PeerVerifier fetches and attests a peer before it is registered.
type PeerVerifier interface {
	Verify(ctx context.Context, address string) (interfaces.PeerNode, error)
}

type Store interface {
	Put(ctx context.Context, m interfaces.ShareMaterial) (interfaces.PutResult, error)
	RegisterCapsule(ctx context.Context, id interfaces.CapsuleID, mediaRef string) (interfaces.Capsule, error)
	SetCapsuleState(ctx context.Context, id interfaces.CapsuleID, state interfaces.CapsuleState) (interfaces.Capsule, error)
	ListCapsules(ctx context.Context, fn func(interfaces.Capsule) error) error
}

type Auditor interface {
	Gaps() []interfaces.Gap
	Audit(ctx context.Context) ([]interfaces.Gap, error)
}

type Backup interface {
	Export(ctx context.Context) (backup.Result, error)
	Restore(ctx context.Context, id interfaces.ContentID) (backup.RestoreReport, error)
}

// Services are the node components the admin API operates on. Backup may be
// nil when no storage backend is configured.
type Services struct {
	NodeID    interfaces.PeerID
	NodeKey   interfaces.NodePrivkey
	Directory Directory
	Verifier  PeerVerifier
	Store     Store
	Auditor   Auditor
	Backup    Backup
}

type Handler struct {
	token []byte
	svc   Services
	log   *slog.Logger
}

func NewHandler(token string, svc Services, log *slog.Logger) (*Handler, error) {
	if token == "" {
		return nil, errors.New("admin API requires a token")
	}
	return &Handler{token: []byte(token), svc: svc, log: log}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/peers", h.HandleListPeers)
		r.Post("/peers", h.HandleRegisterPeer)
		r.Post("/peers/{peer_id}/reinstate", h.HandleReinstatePeer)

		r.Get("/capsules", h.HandleListCapsules)
		r.Post("/capsules", h.HandleRegisterCapsule)
		r.Post("/capsules/{capsule_id}/revoke", h.HandleRevokeCapsule)
		r.Post("/shares", h.HandleIngestShares)

		r.Get("/gaps", h.HandleGaps)
		r.Post("/audit", h.HandleAudit)

		r.Post("/backup", h.HandleBackup)
		r.Post("/restore/{content_id}", h.HandleRestore)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(api.AdminTokenHeader))
		if subtle.ConstantTimeCompare(presented, h.token) != 1 {
			h.log.Warn("Rejected admin request", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
			api.WriteError(w, fmt.Errorf("%w: invalid admin token", interfaces.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func badRequest(w http.ResponseWriter, err error) {
	api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
}

// HandleListPeers returns every known peer with its reliability metric.
//
// Endpoint: GET /api/admin/peers
func (h *Handler) HandleListPeers(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.svc.Directory.Snapshot())
}

// HandleRegisterPeer verifies the node at the given address and adds it to
// the directory.
//
// Endpoint: POST /api/admin/peers
// Body: {"address": "https://host:port"}
func (h *Handler) HandleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterPeerRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Address == "" {
		badRequest(w, errors.New("missing address"))
		return
	}

	node, err := h.svc.Verifier.Verify(r.Context(), req.Address)
	if err != nil {
		h.log.Warn("Peer verification failed", slog.String("address", req.Address), "err", err)
		api.WriteJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}
	if node.ID == h.svc.NodeID {
		badRequest(w, errors.New("address belongs to this node"))
		return
	}
	h.svc.Directory.Register(node)
	api.WriteJSON(w, http.StatusOK, node)
}

// HandleReinstatePeer returns an excluded peer to the ranking.
//
// Endpoint: POST /api/admin/peers/{peer_id}/reinstate
func (h *Handler) HandleReinstatePeer(w http.ResponseWriter, r *http.Request) {
	id := interfaces.PeerID(chi.URLParam(r, "peer_id"))
	if err := h.svc.Directory.Reinstate(id); err != nil {
		if errors.Is(err, directory.ErrUnknownPeer) {
			api.WriteError(w, fmt.Errorf("%w: peer %s", interfaces.ErrNotFound, id))
			return
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "reinstated"})
}

// Endpoint: GET /api/admin/capsules
func (h *Handler) HandleListCapsules(w http.ResponseWriter, r *http.Request) {
	capsules := []interfaces.Capsule{}
	err := h.svc.Store.ListCapsules(r.Context(), func(c interfaces.Capsule) error {
		capsules = append(capsules, c)
		return nil
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, capsules)
}

// HandleRegisterCapsule creates a pending capsule record, or updates the
// media reference of an existing one.
//
// Endpoint: POST /api/admin/capsules
// Body: {"capsule_id": "...", "media_ref": "..."}
func (h *Handler) HandleRegisterCapsule(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterCapsuleRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := req.CapsuleID.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	capsule, err := h.svc.Store.RegisterCapsule(r.Context(), req.CapsuleID, req.MediaRef)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, capsule)
}

// HandleRevokeCapsule stops the node from serving quotes for a capsule.
// Its shares are kept.
//
// Endpoint: POST /api/admin/capsules/{capsule_id}/revoke
func (h *Handler) HandleRevokeCapsule(w http.ResponseWriter, r *http.Request) {
	id := interfaces.CapsuleID(chi.URLParam(r, "capsule_id"))
	capsule, err := h.svc.Store.SetCapsuleState(r.Context(), id, interfaces.CapsuleRevoked)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, capsule)
}

// HandleIngestShares unwraps and stores shares delivered by an operator.
// Each share is handled independently; the response lists every outcome.
//
// Endpoint: POST /api/admin/shares
// Body: {"shares": [WireShare, ...]}
func (h *Handler) HandleIngestShares(w http.ResponseWriter, r *http.Request) {
	var req api.IngestSharesRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if len(req.Shares) == 0 || len(req.Shares) > MaxIngestShares {
		badRequest(w, fmt.Errorf("expected between 1 and %d shares", MaxIngestShares))
		return
	}

	resp := api.IngestSharesResponse{Results: make([]api.IngestResult, 0, len(req.Shares))}
	for _, ws := range req.Shares {
		result := api.IngestResult{CapsuleID: ws.CapsuleID, Index: ws.Index}
		res, err := h.ingest(r.Context(), ws)
		if err != nil {
			result.Error = err.Error()
			h.log.Warn("Share ingest failed",
				slog.String("capsule_id", string(ws.CapsuleID)),
				slog.Int("index", int(ws.Index)),
				"err", err)
		} else {
			result.Written = res.Written
			result.Version = res.Version
		}
		resp.Results = append(resp.Results, result)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) ingest(ctx context.Context, ws interfaces.WireShare) (interfaces.PutResult, error) {
	if err := ws.ShareHeader.Validate(); err != nil {
		return interfaces.PutResult{}, err
	}
	payload, err := cryptoutils.UnwrapForNode(h.svc.NodeKey, ws.Wrapped, ws.WireAAD(h.svc.NodeID))
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("could not unwrap share: %w", err)
	}
	m := interfaces.ShareMaterial{ShareHeader: ws.ShareHeader, Payload: payload}
	defer m.Wipe()
	return h.svc.Store.Put(ctx, m)
}

// Endpoint: GET /api/admin/gaps
func (h *Handler) HandleGaps(w http.ResponseWriter, r *http.Request) {
	gaps := h.svc.Auditor.Gaps()
	if gaps == nil {
		gaps = []interfaces.Gap{}
	}
	api.WriteJSON(w, http.StatusOK, gaps)
}

// HandleAudit runs an audit cycle immediately and returns its gaps.
//
// Endpoint: POST /api/admin/audit
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	gaps, err := h.svc.Auditor.Audit(r.Context())
	if err != nil {
		api.WriteJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}
	if gaps == nil {
		gaps = []interfaces.Gap{}
	}
	api.WriteJSON(w, http.StatusOK, gaps)
}

// Endpoint: POST /api/admin/backup
func (h *Handler) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.svc.Backup == nil {
		api.WriteJSON(w, http.StatusNotImplemented, api.ErrorResponse{Error: "no backup storage configured"})
		return
	}
	result, err := h.svc.Backup.Export(r.Context())
	if err != nil {
		h.log.Error("Backup failed", "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

// Endpoint: POST /api/admin/restore/{content_id}
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	if h.svc.Backup == nil {
		api.WriteJSON(w, http.StatusNotImplemented, api.ErrorResponse{Error: "no backup storage configured"})
		return
	}
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "content_id"))
	if err != nil {
		badRequest(w, err)
		return
	}
	report, err := h.svc.Backup.Restore(r.Context(), id)
	if err != nil {
		h.log.Error("Restore failed", slog.String("content_id", id.String()), "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}
