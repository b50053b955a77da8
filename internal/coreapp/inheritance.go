package coreapp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/semblance-ai/semblance/internal/inheritance"
)

type inheritanceActionPayload struct {
	ID                        string          `json:"id"`
	Category                  string          `json:"category"`
	SequenceOrder             int             `json:"sequenceOrder"`
	ActionType                string          `json:"actionType"`
	Payload                   json.RawMessage `json:"payload"`
	Label                     string          `json:"label"`
	RequiresDeletionConsensus bool            `json:"requiresDeletionConsensus"`
}

type registerPartyRequest struct {
	ID                       string                     `json:"id"`
	Name                     string                     `json:"name"`
	Email                    string                     `json:"email"`
	Relationship             string                     `json:"relationship"`
	PassphraseHashHex        string                     `json:"passphraseHash"`
	RequiresStepConfirmation bool                       `json:"requiresStepConfirmation"`
	Actions                  []inheritanceActionPayload `json:"actions"`
}

func (s *Server) handleRegisterParty(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inheritance == nil {
		writeJSON(w, http.StatusServiceUnavailable, intentResponse{Error: "inheritance subsystem not configured"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, intentResponse{Error: "method not allowed"})
		return
	}

	var req registerPartyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: "decode request: " + err.Error()})
		return
	}

	var hash [sha256.Size]byte
	if req.PassphraseHashHex != "" {
		raw, err := hex.DecodeString(req.PassphraseHashHex)
		if err != nil || len(raw) != sha256.Size {
			writeJSON(w, http.StatusBadRequest, intentResponse{Error: "passphraseHash must be a 64-char hex SHA-256 digest"})
			return
		}
		copy(hash[:], raw)
	}

	actions := make([]inheritance.InheritanceAction, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, inheritance.InheritanceAction{
			ID:                        a.ID,
			Category:                  inheritance.Category(a.Category),
			SequenceOrder:             a.SequenceOrder,
			ActionType:                a.ActionType,
			Payload:                   a.Payload,
			Label:                     a.Label,
			RequiresDeletionConsensus: a.RequiresDeletionConsensus,
		})
	}

	party := inheritance.TrustedParty{
		ID:             req.ID,
		Name:           req.Name,
		Email:          req.Email,
		Relationship:   req.Relationship,
		PassphraseHash: hash,
	}
	if err := s.handlers.Inheritance.RegisterParty(party, actions, req.RequiresStepConfirmation); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, intentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"partyId": req.ID})
}

type activateRequest struct {
	PartyID       string                                 `json:"partyId"`
	Passphrase    string                                 `json:"passphrase"`
	Package       inheritance.EncryptedActivationPackage `json:"package"`
	TimeLockHours int                                    `json:"timeLockHours"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inheritance == nil {
		writeJSON(w, http.StatusServiceUnavailable, intentResponse{Error: "inheritance subsystem not configured"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, intentResponse{Error: "method not allowed"})
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: "decode request: " + err.Error()})
		return
	}
	if req.TimeLockHours <= 0 {
		req.TimeLockHours = 72
	}

	act, err := s.handlers.Inheritance.Activate(req.PartyID, []byte(req.Passphrase), req.Package, req.TimeLockHours)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, intentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, activationResponse(act))
}

type activationIDRequest struct {
	ActivationID string `json:"activationId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleActivationIDAction(w, r, s.handlers.Inheritance.Cancel)
}

func (s *Server) handleConfirmStep(w http.ResponseWriter, r *http.Request) {
	s.handleActivationIDAction(w, r, s.handlers.Inheritance.ConfirmStep)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.handleActivationIDAction(w, r, func(id string) error {
		return s.handlers.Inheritance.Advance(id, time.Now())
	})
}

func (s *Server) handleActivationIDAction(w http.ResponseWriter, r *http.Request, do func(string) error) {
	if s.handlers.Inheritance == nil {
		writeJSON(w, http.StatusServiceUnavailable, intentResponse{Error: "inheritance subsystem not configured"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, intentResponse{Error: "method not allowed"})
		return
	}

	var req activationIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: "decode request: " + err.Error()})
		return
	}

	if err := do(req.ActivationID); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, intentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activationId": req.ActivationID})
}

func (s *Server) handleTestRun(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inheritance == nil {
		writeJSON(w, http.StatusServiceUnavailable, intentResponse{Error: "inheritance subsystem not configured"})
		return
	}

	partyID := r.URL.Query().Get("partyId")
	if partyID == "" {
		writeJSON(w, http.StatusBadRequest, intentResponse{Error: "partyId query parameter is required"})
		return
	}

	eligible, reason, err := s.handlers.Inheritance.TestRun(partyID)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, intentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eligible": eligible, "reason": reason})
}

func (s *Server) handleRunPending(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inheritance == nil {
		writeJSON(w, http.StatusServiceUnavailable, intentResponse{Error: "inheritance subsystem not configured"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, intentResponse{Error: "method not allowed"})
		return
	}

	if err := s.handlers.Inheritance.RunPending(r.Context()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, intentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func activationResponse(act inheritance.Activation) map[string]interface{} {
	return map[string]interface{}{
		"id":                       act.ID,
		"partyId":                  act.PartyID,
		"state":                    act.State.String(),
		"activatedAt":              act.ActivatedAt,
		"timeLockExpiresAt":        act.TimeLockExpiresAt,
		"actionsTotal":             act.ActionsTotal,
		"actionsCompleted":         act.ActionsCompleted,
		"currentActionId":         act.CurrentActionID,
		"requiresStepConfirmation": act.RequiresStepConfirmation,
	}
}
