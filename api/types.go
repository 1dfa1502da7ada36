package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

const (
	// NodeIDHeader names the calling node on peer RPC requests.
	NodeIDHeader = "X-Keyshare-Node-ID"

	// AdminTokenHeader carries the operator secret on admin requests.
	AdminTokenHeader = "X-Admin-Token"

	// MaxBodySize bounds request bodies accepted by every handler.
	MaxBodySize = 1024 * 1024
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrQuorumNotMet):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, interfaces.ErrQuorumUnreachable), errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrAlreadySealed), errors.Is(err, interfaces.ErrPeerBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromStatus turns an error response back into a wrapped domain error,
// so clients can test it with errors.Is.
func ErrorFromStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed ErrorResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}

	var sentinel error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = interfaces.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = interfaces.ErrNotFound
	case http.StatusTooManyRequests:
		sentinel = interfaces.ErrRateLimited
	case http.StatusServiceUnavailable:
		sentinel = interfaces.ErrQuorumNotMet
	case http.StatusUnprocessableEntity:
		sentinel = interfaces.ErrIntegrityMismatch
	case http.StatusConflict:
		sentinel = interfaces.ErrPeerBusy
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes err with the status chosen by StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse{Error: err.Error()})
}

// DecodeJSON reads a size-bounded JSON body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// QuoteRequestBody is the body of POST /api/quote/{capsule_id}.
type QuoteRequestBody struct {
	Caller     string `json:"caller"`
	Token      string `json:"token"`
	ShareIndex uint8  `json:"share_index,omitempty"`
}

// RegisterPeerRequest adds a peer by address. The peer's node info is fetched
// and its attestation verified before it is registered.
type RegisterPeerRequest struct {
	Address string `json:"address"`
}

// RegisterCapsuleRequest creates or updates a capsule record.
type RegisterCapsuleRequest struct {
	CapsuleID interfaces.CapsuleID `json:"capsule_id"`
	MediaRef  string               `json:"media_ref,omitempty"`
}

// IngestSharesRequest delivers shares to a node. Each payload is wrapped to
// the node's public key with the AAD of its header and the node id.
type IngestSharesRequest struct {
	Shares []interfaces.WireShare `json:"shares"`
}

// IngestResult reports the outcome of one ingested share.
type IngestResult struct {
	CapsuleID interfaces.CapsuleID `json:"capsule_id"`
	Index     uint8                `json:"index"`
	Written   bool                 `json:"written"`
	Version   uint64               `json:"version"`
	Error     string               `json:"error,omitempty"`
}

// IngestSharesResponse lists the outcome of every share in request order.
type IngestSharesResponse struct {
	Results []IngestResult `json:"results"`
}

// StatusResponse is returned by health and drain endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}
