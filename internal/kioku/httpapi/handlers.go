package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

type chatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type contextRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type recordRequest struct {
	UserID         string `json:"user_id"`
	UserMessage    string `json:"user_message"`
	AssistantReply string `json:"assistant_reply"`
}

type limitRequest struct {
	MaxMessages int `json:"max_messages"`
}

type systemRequest struct {
	Content string `json:"content"`
}

type recallRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type historyResponse struct {
	UserID      string        `json:"user_id"`
	MaxMessages int           `json:"max_messages"`
	Turns       []memory.Turn `json:"turns"`
}

type factsResponse struct {
	UserID string        `json:"user_id"`
	Facts  []memory.Fact `json:"facts"`
}

// decode reads the body into out, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(w, r, out); err != nil {
		detail := err.Error()
		if errors.Is(err, errEmptyBody) {
			detail = "request body is required"
		}
		respondError(w, http.StatusBadRequest, "invalid_request", detail)
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	reply, err := s.deps.Chat.Handle(r.Context(), TransportHTTP, strings.TrimSpace(req.UserID), req.Text)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decode(w, r, &req) {
		return
	}
	bundle, err := s.deps.Conversations.Assemble(r.Context(), strings.TrimSpace(req.UserID), req.Message)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Conversations.Record(r.Context(), strings.TrimSpace(req.UserID), req.UserMessage, req.AssistantReply); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns := s.deps.Conversations.History(id)
	if turns == nil {
		turns = []memory.Turn{}
	}
	respondJSON(w, http.StatusOK, historyResponse{
		UserID:      id,
		MaxMessages: s.deps.Conversations.Limit(id),
		Turns:       turns,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.deps.Conversations.Clear(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Conversations.SetLimit(id, req.MaxMessages); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": id, "max_messages": req.MaxMessages})
}

func (s *Server) handleSetSystem(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Conversations.SetSystemPrompt(id, req.Content); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := s.deps.LongTerm.Compact(r.Context(), id)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if summary == nil {
		respondJSON(w, http.StatusOK, map[string]any{"user_id": id, "compacted": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": id, "compacted": true, "summary": summary})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.K < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "k must not be negative")
		return
	}
	if req.K == 0 {
		req.K = s.deps.DefaultRecallK
	}
	id := chi.URLParam(r, "id")
	facts := s.deps.LongTerm.Recall(r.Context(), id, req.Query, req.K)
	if facts == nil {
		facts = []memory.Fact{}
	}
	respondJSON(w, http.StatusOK, factsResponse{UserID: id, Facts: facts})
}
