package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/conversation"
	"github.com/ent0n29/chatmem/internal/ingest"
	"github.com/ent0n29/chatmem/internal/memory"
)

type appendMessageRequest struct {
	Direction         string         `json:"direction"`
	ProviderMessageID string         `json:"provider_message_id"`
	Body              string         `json:"body"`
	Type              string         `json:"type"`
	Metadata          map[string]any `json:"metadata"`
}

type appendMessageResponse struct {
	Duplicate bool            `json:"duplicate"`
	Message   *memory.Message `json:"message,omitempty"`
}

type inboundRequest struct {
	ProviderMessageID string         `json:"provider_message_id"`
	Text              string         `json:"text"`
	Type              string         `json:"type"`
	Metadata          map[string]any `json:"metadata"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	dir := memory.Direction(strings.ToLower(strings.TrimSpace(req.Direction)))
	if !dir.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_direction", "direction must be in or out")
		return
	}

	res, err := s.ingestor.Append(r.Context(), ingest.Leg{
		ConversationID:    id,
		Direction:         dir,
		ProviderMessageID: req.ProviderMessageID,
		Body:              req.Body,
		Type:              req.Type,
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.logger.Warn("append message failed", zap.String("conversation_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "append_failed", err.Error())
		return
	}
	if res.Duplicate {
		respondJSON(w, http.StatusOK, appendMessageResponse{Duplicate: true})
		return
	}
	respondJSON(w, http.StatusCreated, appendMessageResponse{Message: &res.Message})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	reply, err := s.conversations.HandleInbound(r.Context(), conversation.Inbound{
		ConversationID:    conversationID(r),
		ProviderMessageID: req.ProviderMessageID,
		Text:              req.Text,
		Type:              req.Type,
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.logger.Warn("inbound failed", zap.String("conversation_id", conversationID(r)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "inbound_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	rc, err := s.conversations.AssembleContext(r.Context(), conversationID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "rehydrate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rc)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	c, err := s.store.Consolidated(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "memory_not_found", "conversation has no consolidated memory")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// handleConsolidate runs the inline trigger now. force=true skips the
// inactivity check.
func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if force {
		round, err := s.engine.ConsolidateNow(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "consolidate_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, round)
		return
	}

	res, err := s.engine.ConsolidateIfInactive(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consolidate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	s.conversations.Reset(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"status":          "reset",
	})
}
