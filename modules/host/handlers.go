package host

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zachfi/smtchost/modules/session"
)

const contentType = "application/json; charset=utf-8"

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type okResponse struct {
	Success bool `json:"success"`
}

type healthResponse struct {
	Success bool   `json:"success"`
	Service string `json:"service"`
}

type debugState struct {
	Title     string                `json:"title"`
	Artist    string                `json:"artist"`
	Status    session.LogicalStatus `json:"status"`
	Error     *string               `json:"error"`
	UpdatedAt *string               `json:"updated_at"`
}

type debugResponse struct {
	Success bool       `json:"success"`
	State   debugState `json:"state"`
}

type statusResponse struct {
	Success       bool                  `json:"success"`
	State         session.LogicalStatus `json:"state"`
	PlaybackState string                `json:"playback_state"`
	URL           *string               `json:"url"`
	Title         string                `json:"title"`
	Artist        string                `json:"artist"`
	Error         *string               `json:"error"`
	Volume        int                   `json:"volume"`
	UpdatedAt     *string               `json:"updated_at"`
}

type volumeResponse struct {
	Success bool `json:"success"`
	Volume  int  `json:"volume"`
}

type updateRequest struct {
	Title  *string `json:"title"`
	Artist *string `json:"artist"`
	Status *string `json:"status"`
}

type playRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type volumeRequest struct {
	Volume *int `json:"volume"`
}

func (h *Host) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Success: true, Service: serviceName})
}

func (h *Host) debugState(w http.ResponseWriter, _ *http.Request) {
	s := h.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, debugResponse{
		Success: true,
		State: debugState{
			Title:     s.Title,
			Artist:    s.Artist,
			Status:    s.Status,
			Error:     optional(s.Error),
			UpdatedAt: timestamp(s.UpdatedAt),
		},
	})
}

func (h *Host) status(w http.ResponseWriter, _ *http.Request) {
	s := h.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Success:       true,
		State:         s.Status,
		PlaybackState: s.PlaybackState.String(),
		URL:           optional(s.URL),
		Title:         s.Title,
		Artist:        s.Artist,
		Error:         optional(s.Error),
		Volume:        s.Volume,
		UpdatedAt:     timestamp(s.UpdatedAt),
	})
}

func (h *Host) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	err := h.ctrl.ApplyUpdate(r.Context(), session.Update{
		Title:  req.Title,
		Artist: req.Artist,
		Status: req.Status,
	})
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (h *Host) play(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	url := strings.TrimSpace(req.URL)
	if url == "" {
		h.badRequest(w, r, errors.Wrap(ErrMalformedRequest, "missing url"))
		return
	}

	url = h.ctrl.ResolveStreamURL(r.Context(), url)
	if err := h.ctrl.Play(r.Context(), url, strings.TrimSpace(req.Name)); err != nil {
		h.serverError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (h *Host) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		h.serverError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (h *Host) volume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if req.Volume == nil {
		h.badRequest(w, r, errors.Wrap(ErrMalformedRequest, "missing volume"))
		return
	}

	v, err := h.ctrl.SetVolume(r.Context(), *req.Volume)
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, volumeResponse{Success: true, Volume: v})
}

func (h *Host) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Debug("rejected request", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Host) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// decode reads a JSON object body into v.
func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(ErrMalformedRequest, err.Error())
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(ErrMalformedRequest, "invalid JSON")
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timestamp(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
