package mockserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/httpext"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Router mounts the pull endpoints and the events socket under /v1
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	if s.cfg.JWTSecret != "" {
		v1.Use(RequireAuth(s.cfg.JWTSecret))
	}

	v1.HandleFunc("/contexts/{context_id}/metadata", s.handleMetadata).Methods("GET")
	v1.HandleFunc("/contexts/{context_id}/messages", s.handleMessages).Methods("GET")
	v1.HandleFunc("/contexts/{context_id}/messages/{message_id}/streaming-chunks", s.handleChunks).Methods("GET")
	v1.HandleFunc("/contexts/{context_id}/events", s.handleEvents).Methods("GET")
	v1.HandleFunc("/system-prompts/{prompt_id}", s.handleSystemPrompt).Methods("GET")

	return router
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["context_id"]

	s.mu.RLock()
	conv, ok := s.contexts[contextID]
	var meta models.ContextMetadata
	if ok {
		meta = conv.meta
		meta.MessageCount = len(conv.messages)
	}
	s.mu.RUnlock()

	if !ok {
		httpext.JsonError(w, "context not found", http.StatusNotFound)
		return
	}
	httpext.JsonResponse(w, http.StatusOK, meta)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["context_id"]
	query := r.URL.Query()

	var offset, limit int
	var err error
	if ids := query.Get("ids"); ids == "" {
		if offset, err = intParam(query.Get("offset"), 0); err != nil || offset < 0 {
			httpext.JsonError(w, "invalid offset", http.StatusBadRequest)
			return
		}
		if limit, err = intParam(query.Get("limit"), 50); err != nil || limit < 1 || limit > maxPageSize {
			httpext.JsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.contexts[contextID]
	if !ok {
		httpext.JsonError(w, "context not found", http.StatusNotFound)
		return
	}

	if ids := query.Get("ids"); ids != "" {
		requested := strings.Split(ids, ",")
		resp := models.MessagesResponse{Messages: []models.Message{}, RequestedCount: len(requested)}
		for _, id := range requested {
			for _, m := range conv.messages {
				if m.ID == id {
					resp.Messages = append(resp.Messages, *m)
					break
				}
			}
		}
		resp.FoundCount = len(resp.Messages)
		httpext.JsonResponse(w, http.StatusOK, resp)
		return
	}

	if branch := query.Get("branch"); branch != "" && branch != conv.meta.ActiveBranchName {
		httpext.JsonError(w, "branch not found", http.StatusNotFound)
		return
	}

	resp := models.MessagesResponse{Messages: []models.Message{}, Total: len(conv.messages), Offset: offset, Limit: limit}
	for i := offset; i < len(conv.messages) && i < offset+limit; i++ {
		resp.Messages = append(resp.Messages, *conv.messages[i])
	}
	httpext.JsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	contextID, messageID := vars["context_id"], vars["message_id"]

	from, err := strconv.ParseUint(r.URL.Query().Get("from_sequence"), 10, 64)
	if err != nil {
		httpext.JsonError(w, "invalid from_sequence", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, msg, err := s.lookup(contextID, messageID)
	if err != nil {
		code := http.StatusNotFound
		if !errors.Is(err, ErrUnknownContext) && !errors.Is(err, ErrUnknownMessage) {
			code = http.StatusInternalServerError
		}
		httpext.JsonError(w, err.Error(), code)
		return
	}

	resp := models.ChunksResponse{
		ContextID:       contextID,
		MessageID:       messageID,
		Chunks:          []models.Chunk{},
		CurrentSequence: msg.Sequence,
	}
	for _, c := range conv.chunks[messageID] {
		if c.Sequence <= from {
			continue
		}
		if len(resp.Chunks) == s.cfg.ChunkPage {
			resp.HasMore = true
			break
		}
		resp.Chunks = append(resp.Chunks, c)
	}
	httpext.JsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSystemPrompt(w http.ResponseWriter, r *http.Request) {
	promptID := mux.Vars(r)["prompt_id"]

	s.mu.RLock()
	preset, ok := s.presets[promptID]
	s.mu.RUnlock()

	if !ok {
		httpext.JsonError(w, "system prompt not found", http.StatusNotFound)
		return
	}
	httpext.JsonResponse(w, http.StatusOK, preset)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	contextID := mux.Vars(r)["context_id"]

	s.mu.RLock()
	_, ok := s.contexts[contextID]
	s.mu.RUnlock()
	if !ok {
		httpext.JsonError(w, "context not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not upgrade connection")
		return
	}

	c := s.manager.AddConnection(contextID, conn)
	s.log.Debug().Str("context_id", contextID).Int("subscribers", s.manager.CountFor(contextID)).Msg("Subscriber connected")
	s.manager.Serve(c)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
