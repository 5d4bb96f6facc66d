package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/heartneyes/lenslink/internal/lens_connect/link"
	"github.com/heartneyes/lenslink/internal/lens_connect/pipeline"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
	"github.com/heartneyes/lenslink/internal/profile"
	"github.com/heartneyes/lenslink/internal/version"
)

// RespondJSON writes data as a JSON response.
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

var errBadRequest = errors.New("malformed request body")

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// respondError maps a failure to an HTTP status by its kind.
func respondError(w http.ResponseWriter, err error) {
	RespondJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var codecErr *protocol.CodecError
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.As(err, &codecErr),
		errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, profile.ErrInvalidValue),
		errors.Is(err, profile.ErrUnknownField),
		errors.Is(err, profile.ErrPolicyViolation):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrNotReady),
		errors.Is(err, link.ErrCommandBusy),
		errors.Is(err, link.ErrSuspended),
		errors.Is(err, pipeline.ErrSinkActive):
		return http.StatusConflict
	case errors.Is(err, link.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, link.ErrCommandRejected),
		errors.Is(err, link.ErrConnectFailed),
		errors.Is(err, link.ErrLinkLost):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *LensServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  s.GetUptime().Round(time.Second).String(),
		"devices": len(s.deviceKeeper.Addresses()),
	})
}

func (s *LensServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, version.Get())
}

func (s *LensServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deviceKeeper.List(r.Context())
	if devices == nil {
		devices = []link.Status{}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

func (s *LensServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, err := s.deviceKeeper.Status(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, st)
}

func (s *LensServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.deviceKeeper.Connect(r.Context(), address); err != nil {
		respondError(w, err)
		return
	}
	st, err := s.deviceKeeper.Status(r.Context(), address)
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, st)
}

func (s *LensServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deviceKeeper.Disconnect(r.Context(), mux.Vars(r)["address"]); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *LensServer) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	path, err := s.deviceKeeper.StartRecording(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "path": path})
}

func (s *LensServer) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.deviceKeeper.StopRecording(r.Context(), mux.Vars(r)["address"]); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *LensServer) handleStartStreaming(w http.ResponseWriter, r *http.Request) {
	var in StreamOptions
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	session, err := s.deviceKeeper.StartStreaming(r.Context(), mux.Vars(r)["address"], in)
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "stream": session})
}

func (s *LensServer) handleStopStreaming(w http.ResponseWriter, r *http.Request) {
	if err := s.deviceKeeper.StopStreaming(r.Context(), mux.Vars(r)["address"]); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type commandRequest struct {
	Name   string `json:"name"`
	Params string `json:"params"`
}

func (s *LensServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var in commandRequest
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deviceKeeper.SendCommand(r.Context(), mux.Vars(r)["address"], in.Name, in.Params); err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *LensServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch profile.Patch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, err)
		return
	}
	p, err := s.deviceKeeper.ApplyConfig(r.Context(), mux.Vars(r)["address"], patch)
	if err != nil {
		respondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, p)
}

// handleEvents streams link events for one lens over a websocket until the
// client goes away.
func (s *LensServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.deviceKeeper.Get(mux.Vars(r)["address"])
	if !ok {
		respondError(w, ErrUnknownDevice)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := "ws-" + uniuri.New()
	events := session.Manager.Subscribe(id, 128)
	defer session.Manager.Unsubscribe(id)

	// Reads only detect the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Event stream closed", "address", session.Address, "error", err)
				return
			}
		}
	}
}
