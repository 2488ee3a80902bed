package a2a

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/peer"
)

// Gateway is the A2A JSON-RPC 2.0 projection over a ktp.Engine, mounted
// onto the control plane's own HTTP server (spec.md §4.7, §6).
type Gateway struct {
	engine        *ktp.Engine
	manifest      func() peer.Manifest
	shortID       string
	endpointURL   string
	apiKeyEnabled bool
	log           interface{ Warn(string, ...any) }
}

// NewGateway constructs a Gateway. manifest returns the node's current
// local manifest (for the agent card's name/skills); endpointURL is the
// absolute URL advertised for the JSON-RPC endpoint.
func NewGateway(engine *ktp.Engine, manifest func() peer.Manifest, shortID, endpointURL string, apiKeyEnabled bool) *Gateway {
	return &Gateway{
		engine:        engine,
		manifest:      manifest,
		shortID:       shortID,
		endpointURL:   endpointURL,
		apiKeyEnabled: apiKeyEnabled,
		log:           logging.With("a2a"),
	}
}

// Handler returns the mountable handler for /.well-known/agent-card.json
// and /a2a/v1 (spec.md §6's "one local HTTP surface").
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/agent-card.json", g.handleAgentCard)
	mux.HandleFunc("POST /a2a/v1", g.handleRPC)
	return mux
}

func (g *Gateway) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	m := g.manifest()

	skills := make([]AgentSkill, 0, len(m.Skills))
	for _, skill := range m.Skills {
		skills = append(skills, AgentSkill{
			ID:          skill,
			Name:        skill,
			Description: skill + " capability",
			InputModes:  []string{"text/plain"},
			OutputModes: []string{"text/plain"},
		})
	}

	card := AgentCard{
		ProtocolVersion: "0.1",
		Name:            m.AgentID,
		Description:     fmt.Sprintf("Kizuna bridge node (%s)", m.Role),
		URL:             g.endpointURL,
		Capabilities:    AgentCapabilities{Streaming: false, PushNotifications: false},
		Skills:          skills,
		Extensions:      KizunaExtension{ShortID: g.shortID, Role: m.Role, Protocol: "KTP/1.0"},
	}
	if g.apiKeyEnabled {
		card.SecuritySchemes = map[string]any{
			"bearerAuth": BearerSecurityScheme{Type: "http", Scheme: "bearer"},
		}
		card.Security = []map[string][]string{{"bearerAuth": {}}}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, CodeParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, CodeInvalidRequest, "Invalid request")
		return
	}

	switch req.Method {
	case MethodMessageSend:
		g.handleMessageSend(w, &req)
	case MethodTasksGet:
		g.handleTasksGet(w, &req)
	case MethodTasksList:
		g.handleTasksList(w, &req)
	default:
		writeRPCError(w, req.ID, CodeMethodNotFound, "Method not found", SupportedMethods)
	}
}

func (g *Gateway) handleMessageSend(w http.ResponseWriter, req *JSONRPCRequest) {
	var params MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params")
		return
	}
	if len(params.Message.Parts) == 0 {
		writeRPCError(w, req.ID, CodeInvalidParams, "message.parts must not be empty")
		return
	}

	var textLines []string
	for _, p := range params.Message.Parts {
		if p.Kind == "text" && p.Text != "" {
			textLines = append(textLines, p.Text)
		}
	}
	description := strings.Join(textLines, "\n")
	if description == "" {
		writeRPCError(w, req.ID, CodeInvalidParams, "message must contain at least one text part")
		return
	}

	context, err := json.Marshal(params.Message)
	if err != nil {
		writeRPCError(w, req.ID, CodeInternalError, "failed to encode message context")
		return
	}

	task, _, err := g.engine.Submit(ktp.SubmitRequest{
		Description: description,
		Context:     context,
		TaskType:    ktp.TaskTypeGeneral,
		Priority:    ktp.PriorityMedium,
		Target:      params.Target,
		ContextID:   params.Message.ContextID,
		A2ASource:   true,
	})
	if err != nil {
		writeRPCError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}

	writeRPCResult(w, req.ID, projectSent(task))
}

func (g *Gateway) handleTasksGet(w http.ResponseWriter, req *JSONRPCRequest) {
	var params TasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params")
		return
	}

	if t, ok := g.engine.Sent().Get(params.ID); ok {
		writeRPCResult(w, req.ID, projectSent(t))
		return
	}
	if t, ok := g.engine.Received().Get(params.ID); ok {
		writeRPCResult(w, req.ID, projectReceived(t))
		return
	}
	if t, ok := g.engine.DeadLetter().Get(params.ID); ok {
		writeRPCResult(w, req.ID, projectDeadLetter(t))
		return
	}
	writeRPCError(w, req.ID, CodeTaskNotFound, fmt.Sprintf("task %q not found", params.ID))
}

func (g *Gateway) handleTasksList(w http.ResponseWriter, req *JSONRPCRequest) {
	var params TasksListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, CodeInvalidParams, "Invalid params")
			return
		}
	}

	type withCreatedAt struct {
		task      Task
		createdAt int64
	}
	var all []withCreatedAt

	for _, t := range g.engine.Sent().All() {
		all = append(all, withCreatedAt{projectSent(t), t.CreatedAt})
	}
	for _, t := range g.engine.Received().All() {
		all = append(all, withCreatedAt{projectReceived(t), t.CreatedAt})
	}
	for _, t := range g.engine.DeadLetter().All() {
		all = append(all, withCreatedAt{projectDeadLetter(t), t.CreatedAt})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt > all[j].createdAt })

	tasks := make([]Task, 0, len(all))
	for _, e := range all {
		if params.State != "" && e.task.Status.State != params.State {
			continue
		}
		if params.ContextID != "" && e.task.ContextID != params.ContextID {
			continue
		}
		tasks = append(tasks, e.task)
	}

	writeRPCResult(w, req.ID, map[string]any{"tasks": tasks})
}

func writeRPCResult(w http.ResponseWriter, id, result any) {
	data, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func writeRPCError(w http.ResponseWriter, id any, code int, msg string, data ...any) {
	e := &JSONRPCError{Code: code, Message: msg}
	if len(data) > 0 {
		e.Data = data[0]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: e})
}
