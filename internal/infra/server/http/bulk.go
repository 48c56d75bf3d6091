package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/bulk"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

type bulkRunPayload struct {
	OrderIDs             []string              `json:"orderIds"`
	Target               schema.Status         `json:"target"`
	CollectExecutionInfo bool                  `json:"collectExecutionInfo"`
	Inputs               map[string]bulk.Input `json:"inputs,omitempty"`
}

type bulkStartPayload struct {
	OrderIDs []string      `json:"orderIds"`
	Target   schema.Status `json:"target"`
}

type bulkConfirmPayload struct {
	Accept bool `json:"accept"`
}

type bulkSessionView struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	CreatedAt time.Time     `json:"createdAt"`
	Snapshot  bulk.Snapshot `json:"snapshot"`
	Message   string        `json:"message,omitempty"`
}

func sessionView(session *bulk.Session, snap bulk.Snapshot) bulkSessionView {
	view := bulkSessionView{
		ID:        session.ID,
		Owner:     session.Owner,
		CreatedAt: session.CreatedAt,
		Snapshot:  snap,
	}
	if snap.Summary != nil {
		view.Message = snap.Summary.Message()
	}
	return view
}

func requireDesk(w http.ResponseWriter, r *http.Request) (schema.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.Role.DeskSide() {
		writeJSON(w, http.StatusForbidden, errorPayload{
			Status: "error",
			Error:  "bulk updates are reserved for desk users",
			Code:   errs.CodeForbidden,
		})
		return actor, false
	}
	return actor, true
}

func normaliseTarget(target schema.Status) schema.Status {
	if parsed, ok := schema.ParseStatus(string(target)); ok {
		return parsed
	}
	return target
}

// runBulk applies a target to many orders in one request. Per-order inputs,
// when provided, stand in for the operator's sequential answers; an order
// without an input stops the run and the rest are reported as skipped.
func (s *httpServer) runBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireDesk(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload bulkRunPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	collector := bulk.CollectorFunc(func(_ context.Context, prompt bulk.Prompt) (bulk.Input, bool, error) {
		input, ok := payload.Inputs[prompt.OrderID]
		return input, ok, nil
	})
	summary, err := s.bulk.RunBulkUpdate(r.Context(), actor, payload.OrderIDs, normaliseTarget(payload.Target), payload.CollectExecutionInfo, collector)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"message": summary.Message(),
	})
}

func (s *httpServer) listBulkSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireDesk(w, r)
	if !ok {
		return
	}
	sessions := s.bulk.Sessions().List(actor)
	views := make([]bulkSessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView(session, session.Sequencer.Snapshot()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *httpServer) openBulkSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireDesk(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload bulkStartPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	session := s.bulk.Sessions().Open(actor)
	snap := session.Sequencer.Snapshot()
	if len(payload.OrderIDs) > 0 || payload.Target != "" {
		var err error
		snap, err = session.Sequencer.Start(r.Context(), payload.OrderIDs, normaliseTarget(payload.Target))
		if err != nil {
			s.bulk.Sessions().Close(session.ID)
			s.writeAppError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sessionView(session, snap))
}

func (s *httpServer) handleBulkSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, bulkSessionPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}
	actor, ok := requireDesk(w, r)
	if !ok {
		return
	}
	session, err := s.bulk.Sessions().Get(id, actor)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	if !hasAction {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, sessionView(session, session.Sequencer.Snapshot()))
		case http.MethodDelete:
			s.bulk.Sessions().Close(session.ID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "id": session.ID})
		default:
			methodNotAllowed(w, http.MethodDelete, http.MethodGet)
		}
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	limitRequestBody(w, r)
	var snap bulk.Snapshot
	switch strings.TrimSpace(action) {
	case "start":
		var payload bulkStartPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		snap, err = session.Sequencer.Start(r.Context(), payload.OrderIDs, normaliseTarget(payload.Target))
	case "confirm":
		var payload bulkConfirmPayload
		if err := decodeOptionalJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		snap, err = session.Sequencer.Confirm(r.Context(), payload.Accept)
	case "submit":
		var input bulk.Input
		if err := decodeOptionalJSON(r, &input); err != nil {
			writeDecodeError(w, err)
			return
		}
		snap, err = session.Sequencer.Submit(r.Context(), input)
	case "cancel":
		snap = session.Sequencer.Cancel()
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session, snap))
}
