// Package quoteapi exposes the quote service over HTTP.
package quoteapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// Quoter issues sealed share grants.
type Quoter interface {
	RequestShare(ctx context.Context, req interfaces.QuoteRequest) (*interfaces.SealedShareGrant, error)
}

type Handler struct {
	quoter Quoter
	log    *slog.Logger
}

func NewHandler(quoter Quoter, log *slog.Logger) *Handler {
	return &Handler{quoter: quoter, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/quote/{capsule_id}", h.HandleQuote)
}

// HandleQuote requests one share of a capsule.
//
// URL format: POST /api/quote/{capsule_id}
// Body: {"caller": "...", "token": "...", "share_index": <optional>}
//
// Responds 200 with a SealedShareGrant, 401 when the caller may not access
// the capsule, 404 when no share exists, 429 when rate limited and 503 when
// the quorum could not supply the share in time. Rate-limited responses carry
// a Retry-After header.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var body api.QuoteRequestBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	grant, err := h.quoter.RequestShare(r.Context(), interfaces.QuoteRequest{
		Caller:     body.Caller,
		CapsuleID:  interfaces.CapsuleID(chi.URLParam(r, "capsule_id")),
		Token:      body.Token,
		ShareIndex: body.ShareIndex,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrRateLimited) {
			w.Header().Set("Retry-After", "1")
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, grant)
}
