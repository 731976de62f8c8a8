package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"scanbox/internal/auth"
	"scanbox/internal/database"
	"scanbox/internal/pipeline"
)

const (
	defaultScanLimit = 50
	maxScanLimit     = 500
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// respond encodes v using the encoder negotiated from the request
func respond(w http.ResponseWriter, r *http.Request, code int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(code)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	respond(w, r, code, errorResponse{Error: msg})
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.auth.IsEnabled() {
		respondError(w, r, http.StatusNotFound, auth.ErrAuthDisabled.Error())
		return
	}

	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := a.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		a.logger.Warn("Login failed", zap.String("username", req.Username), zap.String("ip", r.RemoteAddr))
		respondError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respond(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, a.scanner.Status())
}

// handleControl runs pause, resume or stop on the scanner
func (a *app) handleControl(w http.ResponseWriter, r *http.Request) {
	action := a.mux.Vars(r)["action"]

	var err error
	switch action {
	case "pause":
		err = a.scanner.Pause()
	case "resume":
		err = a.scanner.Resume(r.Context())
	case "stop":
		err = a.scanner.Stop()
	default:
		respondError(w, r, http.StatusNotFound, "unknown action "+strconv.Quote(action))
		return
	}

	switch {
	case err == nil:
		a.logger.Info("Scanner control", zap.String("action", action))
		respond(w, r, http.StatusOK, a.scanner.Status())
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, pipeline.ErrNotPaused):
		respondError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrResourceUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("Scanner control failed", zap.String("action", action), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (a *app) handleListScans(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		respondError(w, r, http.StatusNotFound, "scan history is disabled")
		return
	}

	q := r.URL.Query()
	filter := database.ScanFilter{
		ScannerID: q.Get("scanner_id"),
		RawValue:  q.Get("value"),
		Limit:     defaultScanLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxScanLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	scans, err := a.db.ListScans(r.Context(), filter)
	if err != nil {
		a.logger.Error("Failed to list scans", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "failed to list scans")
		return
	}
	respond(w, r, http.StatusOK, scans)
}

func (a *app) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		respondError(w, r, http.StatusNotFound, "scan history is disabled")
		return
	}

	scan, err := a.db.GetScan(r.Context(), a.mux.Vars(r)["id"])
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "scan not found")
	case err != nil:
		a.logger.Error("Failed to load scan", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "failed to load scan")
	default:
		respond(w, r, http.StatusOK, scan)
	}
}
