package a2a

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/peer"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	tbl := peer.NewTable("self-key")
	engine := ktp.NewEngine(ktp.NewSentTable(), ktp.NewReceivedTable(), ktp.NewDeadLetterTable(), tbl, "selfid01", metrics.NewRegistry())
	manifest := func() peer.Manifest {
		return peer.Manifest{AgentID: "bridge-1", Role: "router", Skills: []string{"routing", "translation"}}
	}
	gw := NewGateway(engine, manifest, "selfid01", "http://127.0.0.1:3000/a2a/v1", false)
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)
	return gw, ts
}

func rpcCall(t *testing.T, ts *httptest.Server, method string, params any) *JSONRPCResponse {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: paramsJSON})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/a2a/v1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return &rpcResp
}

func TestAgentCard_ProjectsManifestSkillsAndExtension(t *testing.T) {
	_, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	require.Equal(t, "bridge-1", card.Name)
	require.Len(t, card.Skills, 2)
	require.Equal(t, "KTP/1.0", card.Extensions.Protocol)
	require.Equal(t, "selfid01", card.Extensions.ShortID)
	require.False(t, card.Capabilities.Streaming)
	require.Nil(t, card.SecuritySchemes)
}

func TestAgentCard_DeclaresBearerSchemeWhenAPIKeyEnabled(t *testing.T) {
	tbl := peer.NewTable("self-key")
	engine := ktp.NewEngine(ktp.NewSentTable(), ktp.NewReceivedTable(), ktp.NewDeadLetterTable(), tbl, "selfid01", metrics.NewRegistry())
	manifest := func() peer.Manifest { return peer.Manifest{AgentID: "bridge-1", Role: "router"} }
	gw := NewGateway(engine, manifest, "selfid01", "http://x/a2a/v1", true)
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	require.NotNil(t, card.SecuritySchemes)
	require.NotEmpty(t, card.Security)
}

func TestMessageSend_ConcatenatesTextPartsAndBroadcasts(t *testing.T) {
	_, ts := newTestGateway(t)

	resp := rpcCall(t, ts, MethodMessageSend, MessageSendParams{
		Message: Message{
			Role:  "user",
			Parts: []Part{{Kind: "text", Text: "Do X"}, {Kind: "text", Text: "carefully"}},
		},
	})
	require.Nil(t, resp.Error)

	var task Task
	require.NoError(t, json.Unmarshal(resp.Result, &task))
	require.Equal(t, TaskStateSubmitted, task.Status.State)
	require.Equal(t, "Do X\ncarefully", task.History[0].Parts[0].Text)
}

func TestMessageSend_RejectsEmptyParts(t *testing.T) {
	_, ts := newTestGateway(t)

	resp := rpcCall(t, ts, MethodMessageSend, MessageSendParams{Message: Message{Role: "user"}})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestTasksGet_FindsSentTaskThenReportsNotFound(t *testing.T) {
	_, ts := newTestGateway(t)

	sendResp := rpcCall(t, ts, MethodMessageSend, MessageSendParams{
		Message: Message{Role: "user", Parts: []Part{{Kind: "text", Text: "Do X"}}},
	})
	var sent Task
	require.NoError(t, json.Unmarshal(sendResp.Result, &sent))

	getResp := rpcCall(t, ts, MethodTasksGet, TasksGetParams{ID: sent.ID})
	require.Nil(t, getResp.Error)

	missingResp := rpcCall(t, ts, MethodTasksGet, TasksGetParams{ID: "nonexistent"})
	require.NotNil(t, missingResp.Error)
	require.Equal(t, CodeTaskNotFound, missingResp.Error.Code)
}

func TestTasksList_ReturnsAllTasksAndFiltersByState(t *testing.T) {
	_, ts := newTestGateway(t)

	rpcCall(t, ts, MethodMessageSend, MessageSendParams{
		Message: Message{Role: "user", Parts: []Part{{Kind: "text", Text: "first"}}},
	})
	rpcCall(t, ts, MethodMessageSend, MessageSendParams{
		Message: Message{Role: "user", Parts: []Part{{Kind: "text", Text: "second"}}},
	})

	listResp := rpcCall(t, ts, MethodTasksList, TasksListParams{})
	require.Nil(t, listResp.Error)

	var out struct {
		Tasks []Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(listResp.Result, &out))
	require.Len(t, out.Tasks, 2)

	filtered := rpcCall(t, ts, MethodTasksList, TasksListParams{State: TaskStateSubmitted})
	var filteredOut struct {
		Tasks []Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(filtered.Result, &filteredOut))
	require.Len(t, filteredOut.Tasks, 2)
}

func TestRPC_UnknownMethodReportsMethodNotFoundWithSupportedList(t *testing.T) {
	_, ts := newTestGateway(t)

	resp := rpcCall(t, ts, "tasks/cancel", map[string]string{"id": "x"})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
}

func TestRPC_MissingJSONRPCVersionIsInvalidRequest(t *testing.T) {
	_, ts := newTestGateway(t)

	body, err := json.Marshal(map[string]any{"method": MethodTasksList, "id": 1})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/a2a/v1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	require.Equal(t, CodeInvalidRequest, rpcResp.Error.Code)
}
