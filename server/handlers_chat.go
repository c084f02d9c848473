package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/kickbot/chat"
	"github.com/onnwee/kickbot/coordinator"
	"github.com/onnwee/kickbot/telemetry"
)

type sendRequest struct {
	Command string `json:"command"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleSend posts {command} to the current channel's chatroom.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return
	}
	text := strings.TrimSpace(req.Command)
	channel, ok := h.coord.CurrentChannel()
	if text == "" || !ok {
		writeJSON(w, http.StatusOK, sendResponse{Error: "Belum authorize."})
		return
	}
	if err := h.coord.Send(text); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, chat.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		telemetry.LoggerWithCorr(r.Context()).Warn("manual send failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, status, sendResponse{Channel: channel, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, Channel: channel})
}

// HandleStartBot restarts the chat session of the current channel from its
// stored credential.
func (h *Handlers) HandleStartBot(w http.ResponseWriter, r *http.Request) {
	channel, err := h.coord.Restart(r.Context())
	switch {
	case errors.Is(err, coordinator.ErrNoChannel):
		writeJSON(w, http.StatusOK, sendResponse{Error: "Belum authorize."})
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("bot restart failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusInternalServerError, sendResponse{Channel: channel, Error: "restart failed"})
	default:
		telemetry.LoggerWithCorr(r.Context()).Info("bot restarted", slog.String("channel", channel), slog.String("component", "http"))
		writeJSON(w, http.StatusOK, sendResponse{Success: true, Channel: channel})
	}
}

// HandleStatus reports the current channel and chat phase.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.coord.CurrentChannel()
	writeJSON(w, http.StatusOK, map[string]any{
		"authorized": ok,
		"channel":    channel,
		"phase":      h.coord.Phase().String(),
	})
}
