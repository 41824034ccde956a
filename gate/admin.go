// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gate

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/identity"
	"github.com/go-core-stack/ratecontrol/tokens"
)

// request bodies are administrative payloads, not uploads
const maxAdminBodyBytes = 1 << 20

// AuthorizeFunc guards the administrative surface. A non-nil error
// refuses the request, the authorization policy itself stays with the
// caller.
type AuthorizeFunc func(r *http.Request) error

// Admin serves the administrative and self service endpoints of the
// gate.
type Admin struct {
	gate      *Gate
	authorize AuthorizeFunc
}

// NewAdmin builds the administrative surface over a gate. A nil
// authorize hook leaves the endpoints open, deployments are expected
// to supply one.
func NewAdmin(g *Gate, authorize AuthorizeFunc) (*Admin, error) {
	if g == nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "gate is required")
	}
	return &Admin{gate: g, authorize: authorize}, nil
}

// RegisterRoutes mounts the endpoints on the given mux.
func (a *Admin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/tokens/stats", a.handleStats)
	mux.HandleFunc("/admin/tokens/adjust", a.handleAdjust)
	mux.HandleFunc("/admin/tokens/clear", a.handleClear)
	mux.HandleFunc("/tokens/usage", a.handleUsage)
}

type adjustRequest struct {
	UserID     string `json:"userId"`
	Adjustment int64  `json:"adjustment"`
	Reason     string `json:"reason"`
}

type adjustResponse struct {
	Success    bool   `json:"success"`
	UserID     string `json:"userId"`
	OldTokens  int64  `json:"oldTokens"`
	NewTokens  int64  `json:"newTokens"`
	Adjustment int64  `json:"adjustment"`
}

type clearRequest struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type clearAllResponse struct {
	Success    bool `json:"success"`
	ClearedAll bool `json:"clearedAll"`
}

type systemStatsResponse struct {
	System *tokens.SystemStats `json:"system"`
	Gate   Metrics             `json:"gate"`
}

type usageResponse struct {
	Success bool               `json:"success"`
	Usage   *tokens.UsageStats `json:"usage,omitempty"`
	Message string             `json:"message,omitempty"`
	Tier    string             `json:"tier,omitempty"`
}

// handleStats reports per user stats when a userId query parameter is
// present and system wide stats otherwise.
func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(w, r) {
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID != "" {
		stats, err := a.gate.controller.GetTokenUsageStats(r.Context(), userID)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	system, err := a.gate.controller.GetSystemStats(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, systemStatsResponse{
		System: system,
		Gate:   a.gate.MetricsSnapshot(),
	})
}

// handleAdjust applies an administrative balance override.
func (a *Admin) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(w, r) {
		return
	}
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	res, err := a.gate.controller.AdjustTokens(r.Context(), req.UserID, req.Adjustment, req.Reason)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adjustResponse{
		Success:    true,
		UserID:     req.UserID,
		OldTokens:  res.OldTokens,
		NewTokens:  res.NewTokens,
		Adjustment: res.Adjustment,
	})
}

// handleClear drains one bucket when a userId is given and empties the
// whole store otherwise.
func (a *Admin) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(w, r) {
		return
	}
	var req clearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.UserID != "" {
		res, err := a.gate.controller.ClearUserTokens(r.Context(), req.UserID, req.Reason)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, adjustResponse{
			Success:    true,
			UserID:     req.UserID,
			OldTokens:  res.OldTokens,
			NewTokens:  res.NewTokens,
			Adjustment: res.Adjustment,
		})
		return
	}
	if err := a.gate.controller.ClearAllTokens(r.Context(), req.Reason); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearAllResponse{Success: true, ClearedAll: true})
}

// handleUsage reports the calling user's own consumption. Callers
// without a bucket get an explicit no-data answer with their detected
// tier instead of an error.
func (a *Admin) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tier := "standard"
	ident, ok := identity.FromContext(r.Context())
	if ok {
		if detected := a.gate.classify(ident); detected != "" {
			tier = detected
		}
	}
	if ok && ident.UserID != "" {
		stats, err := a.gate.controller.GetTokenUsageStats(r.Context(), ident.UserID)
		if err == nil {
			writeJSON(w, http.StatusOK, usageResponse{Success: true, Usage: stats})
			return
		}
		if !errors.IsNotFound(err) {
			writeAdminError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Success: true,
		Message: "no usage data for this user",
		Tier:    tier,
	})
}

func (a *Admin) authorized(w http.ResponseWriter, r *http.Request) bool {
	if a.authorize == nil {
		return true
	}
	if err := a.authorize(r); err != nil {
		writeAdminError(w, errors.Wrapf(errors.Unauthorized, "admin access refused: %s", err))
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.Wrapf(errors.InvalidArgument, "request body is required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		// an absent body means an all-defaults request
		if err == io.EOF {
			return nil
		}
		return errors.Wrapf(errors.InvalidArgument, "invalid request body: %s", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.Wrapf(errors.InvalidArgument, "invalid request body: trailing content")
	}
	return nil
}

// errorResponse is the envelope of administrative failures.
type errorResponse struct {
	Success bool         `json:"success"`
	Error   errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAdminError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForCode(errors.GetErrCode(err)), errorResponse{
		Error: errorPayload{Code: wireCode(err), Message: err.Error()},
	})
}

func statusForCode(code errors.ErrCode) int {
	switch code {
	case errors.InvalidArgument:
		return http.StatusBadRequest
	case errors.NotFound:
		return http.StatusNotFound
	case errors.Unauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// wireCode maps an internal error to its stable wire code. The only
// NotFound producer on this surface is a bucket lookup.
func wireCode(err error) string {
	switch errors.GetErrCode(err) {
	case errors.NotFound:
		return tokens.CodeBucketNotFound
	case errors.InvalidArgument:
		return "INVALID_ARGUMENT"
	case errors.Unauthorized:
		return "UNAUTHORIZED"
	default:
		return "INTERNAL_ERROR"
	}
}
