package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsMaxMessage = 16 << 10
)

// handleWS upgrades to the location channel for /ws/{role}/{id}. The
// connection supersedes any earlier one for the same identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	who := models.Identity{ID: vars["id"], Role: models.Role(vars["role"])}
	if who.ID == "" || !who.Role.Valid() {
		s.writeError(w, errs.Validation("unknown role %q", vars["role"]))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "identity", who.ID, "error", err)
		return
	}
	peer := s.hub.Register(who, conn)
	defer s.hub.Unregister(peer)
	s.logger.Info("channel connected", "identity", who.ID, "role", who.Role)

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, done)

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("channel read failed", "identity", who.ID, "role", who.Role, "error", err)
			}
			s.logger.Info("channel disconnected", "identity", who.ID, "role", who.Role)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var cmd models.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.replyError(peer, "", errs.Validation("malformed command: %v", err), "")
			continue
		}
		s.handleCommand(ctx, peer, who, cmd)
	}
}

// keepAlive pings until done closes. WriteControl is safe alongside the
// hub's writes.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, peer *hub.Peer, who models.Identity, cmd models.Command) {
	need := commandRole(cmd.Type)
	if need == "" {
		s.replyError(peer, cmd.RequestID, errs.Validation("unknown command %q", cmd.Type), "")
		return
	}
	if need != who.Role {
		s.replyError(peer, cmd.RequestID, errs.Forbidden("%s is not allowed for a %s", cmd.Type, who.Role), "")
		return
	}

	switch cmd.Type {
	case models.CommandCreateRequest:
		if cmd.Location == nil {
			s.replyError(peer, "", errs.Validation("location is required"), "")
			return
		}
		req, err := s.svc.Create(ctx, models.NewRequest{
			PatientID:      who.ID,
			Location:       *cmd.Location,
			EmergencyType:  cmd.EmergencyType,
			AdditionalInfo: cmd.AdditionalInfo,
		})
		if err != nil {
			activeID := ""
			if errors.Is(err, errs.ErrConflict) {
				if active, aErr := s.svc.Active(ctx, who); aErr == nil && active != nil {
					activeID = active.ID
				}
			}
			s.replyError(peer, activeID, err, msgAlreadyActive)
			return
		}
		s.hub.Reply(peer, models.Event{Type: models.EventRequestCreated, RequestID: req.ID, Version: req.Version, Request: &req})

	case models.CommandCancelRequest:
		if _, err := s.svc.Cancel(ctx, cmd.RequestID, who.ID); err != nil {
			s.replyError(peer, cmd.RequestID, err, "")
		}

	case models.CommandAcceptRequest:
		if _, err := s.svc.Accept(ctx, cmd.RequestID, who.ID, cmd.EstimatedArrivalMinutes); err != nil {
			s.replyError(peer, cmd.RequestID, err, s.acceptConflictMessage(ctx, cmd.RequestID, err))
		}

	case models.CommandCompleteRequest:
		if _, err := s.svc.Complete(ctx, cmd.RequestID, who.ID, cmd.HospitalID); err != nil {
			s.replyError(peer, cmd.RequestID, err, "")
		}

	case models.CommandUpdateLocation:
		if cmd.Location == nil {
			s.replyError(peer, cmd.RequestID, errs.Validation("location is required"), "")
			return
		}
		fix := models.LocationFix{Coord: *cmd.Location, At: cmd.At}
		if _, err := s.svc.UpdateLocation(ctx, who.ID, fix, cmd.RequestID); err != nil {
			s.replyError(peer, cmd.RequestID, err, "")
		}

	case models.CommandSetAvailability:
		if cmd.Available == nil {
			s.replyError(peer, "", errs.Validation("available is required"), "")
			return
		}
		s.svc.SetAvailability(ctx, who.ID, *cmd.Available)
	}
}

func commandRole(commandType string) models.Role {
	switch commandType {
	case models.CommandCreateRequest, models.CommandCancelRequest:
		return models.RolePatient
	case models.CommandAcceptRequest, models.CommandCompleteRequest, models.CommandUpdateLocation, models.CommandSetAvailability:
		return models.RoleDriver
	}
	return ""
}

// replyError sends an error event. conflictMsg, when set, replaces the
// message of a Conflict with the user-facing wording.
func (s *Server) replyError(peer *hub.Peer, requestID string, err error, conflictMsg string) {
	_, code := errs.HTTPStatus(err)
	msg := err.Error()
	if conflictMsg != "" && errors.Is(err, errs.ErrConflict) {
		msg = conflictMsg
	}
	if code == "internal" {
		s.logger.Error("command failed", "identity", peer.Identity().ID, "error", err)
		msg = "internal error"
	}
	s.hub.Reply(peer, models.Event{Type: models.EventError, RequestID: requestID, Code: code, Message: msg})
}
