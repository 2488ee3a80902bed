package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kizuna-project/bridge/internal/apperr"
	"github.com/kizuna-project/bridge/internal/inbox"
	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/peer"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"publicKey": s.id.PublicHex,
		"shortId":   s.id.ShortID,
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentManifest())
}

// handlePutManifest replaces the local manifest and re-broadcasts a
// signed handshake to every currently live peer (spec.md §8).
func (s *Server) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	var m peer.Manifest
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid manifest body")
		return
	}

	s.manifestMu.Lock()
	s.manifest = m
	s.manifestMu.Unlock()

	for _, entry := range s.peers.All() {
		if err := entry.Send(map[string]any{"type": "handshake", "manifest": m}); err != nil {
			s.log.Warn("httpapi: manifest re-broadcast failed", "peer", entry.ShortID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, m)
}

type peerView struct {
	ShortID  string         `json:"shortId"`
	LastSeen time.Time      `json:"lastSeen"`
	Manifest *peer.Manifest `json:"manifest,omitempty"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	entries := s.peers.All()
	out := make([]peerView, 0, len(entries))
	for _, e := range entries {
		out = append(out, peerView{ShortID: e.ShortID, LastSeen: e.LastSeen(), Manifest: e.Manifest()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": out,
		"observed":  s.peers.ObservedPeers(),
	})
}

// handleCapabilitySearch does a case-insensitive substring match over
// each connected peer's role and skills (spec.md §4.6 "capability search").
func (s *Server) handleCapabilitySearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	var matches []peerView
	for _, e := range s.peers.All() {
		m := e.Manifest()
		if m == nil {
			continue
		}
		if strings.Contains(strings.ToLower(m.Role), q) || skillsMatch(m.Skills, q) {
			matches = append(matches, peerView{ShortID: e.ShortID, LastSeen: e.LastSeen(), Manifest: m})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func skillsMatch(skills []string, q string) bool {
	for _, skill := range skills {
		if strings.Contains(strings.ToLower(skill), q) {
			return true
		}
	}
	return false
}

func (s *Server) handleInboxDrain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.inbox.Drain()})
}

// handleBroadcast sends the request body's content to every live peer as
// a signed envelope (signed separately for each peer by Entry.Send), and
// appends a loopback copy of that same content to the local inbox so the
// sidecar's own agent sees what it sent (spec.md §4.6 "broadcast").
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "missing content")
		return
	}

	payload := req.Content
	sent := 0
	for _, entry := range s.peers.All() {
		if err := entry.Send(payload); err != nil {
			s.log.Warn("httpapi: broadcast send failed", "peer", entry.ShortID, "error", err)
			continue
		}
		sent++
	}

	s.inbox.Append(inbox.Message{
		Sender:        s.id.PublicHex,
		SenderShortID: s.id.ShortID,
		Timestamp:     time.Now().UnixMilli(),
		Content:       req.Content,
	})

	writeJSON(w, http.StatusOK, map[string]any{"delivered": sent})
}

func (s *Server) handleMemoryAppend(w http.ResponseWriter, r *http.Request) {
	var entry any
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.memory.Append(entry)
	writeJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}

func (s *Server) handleMemoryRead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.memory.Read()})
}

// handleStoragePut accepts a base64-encoded value on the wire (spec.md
// §4.6), keeping StorageDrive's values as opaque bytes.
func (s *Server) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be base64-encoded")
		return
	}
	s.storage.Put(req.Key, raw)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleStorageList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.storage.List()})
}

func (s *Server) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := s.storage.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": base64.StdEncoding.EncodeToString(value),
	})
}

func (s *Server) handleTopicJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	hashHex, err := s.overlay.Join(req.Name, req.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hashHex})
}

func (s *Server) handleTopicLeave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !s.overlay.Leave(req.Name) {
		writeError(w, http.StatusBadRequest, "cannot leave unknown or default topic")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleTopicList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.overlay.Topics()})
}

func (s *Server) handleEntropyToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.entropy.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.entropy.Enabled()})
}

func (s *Server) handleTaskRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string          `json:"description"`
		Context     json.RawMessage `json:"context"`
		TaskType    ktp.TaskType    `json:"task_type"`
		Priority    ktp.Priority    `json:"priority"`
		Target      string          `json:"target"`
		Deadline    *int64          `json:"deadline"`
		ContextID   string          `json:"context_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, queued, err := s.engine.Submit(ktp.SubmitRequest{
		Description: req.Description,
		Context:     req.Context,
		TaskType:    req.TaskType,
		Priority:    req.Priority,
		Target:      req.Target,
		Deadline:    req.Deadline,
		ContextID:   req.ContextID,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}

	status := http.StatusCreated
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, task)
}

func (s *Server) handleTaskRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string             `json:"task_id"`
		Status ktp.ReceivedStatus `json:"status"`
		Result any                `json:"result"`
		Error  any                `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	task, err := s.engine.Respond(req.TaskID, req.Status, req.Result, req.Error)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if task, ok := s.engine.Sent().Get(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if task, ok := s.engine.DeadLetter().Get(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}
	writeError(w, http.StatusNotFound, "unknown task_id")
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.engine.Requeue(id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTasksAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sent":     s.engine.Sent().All(),
		"received": s.engine.Received().All(),
		"queued":   queuedTasks(s.engine),
		"failed":   s.engine.DeadLetter().All(),
	})
}

func (s *Server) handleTasksSent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.Sent().All()})
}

func (s *Server) handleTasksReceived(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.Received().All()})
}

func (s *Server) handleTasksQueued(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": queuedTasks(s.engine)})
}

func (s *Server) handleTasksFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.DeadLetter().All()})
}

func queuedTasks(engine *ktp.Engine) []*ktp.SentTask {
	out := make([]*ktp.SentTask, 0)
	for _, t := range engine.Sent().All() {
		if t.Status == ktp.StatusQueuedForRetry {
			out = append(out, t)
		}
	}
	return out
}

// writeAppErr surfaces an apperr.Error's status code, defaulting to 500
// for plain errors that never went through apperr.New.
func writeAppErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperr.Error); ok && ae.StatusCode != 0 {
		writeError(w, ae.StatusCode, ae.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
