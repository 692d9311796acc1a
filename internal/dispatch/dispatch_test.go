package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbroker/broker/internal/config"
	"github.com/meshbroker/broker/internal/store"
	"github.com/meshbroker/broker/internal/store/storetest"
)

// testBroker wraps an httptest.Server fronting a dispatch.Server built
// against an in-memory store, for exercising the end-to-end scenarios
// from the spec's testable-properties section without a live Redis.
type testBroker struct {
	t      *testing.T
	server *httptest.Server
	broker *Server
}

func newTestBroker(t *testing.T, cfg *config.Config) *testBroker {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			Liveness:         90 * time.Second,
			MessageTTL:       24 * time.Hour,
			CompactThreshold: 20,
			MaxWait:          3600 * time.Second,
			NotifyCap:        16,
		}
	}
	var st store.Store = storetest.New()
	b := NewServer(cfg, st)
	srv := httptest.NewServer(b.httpServer.Handler)
	t.Cleanup(srv.Close)
	return &testBroker{t: t, server: srv, broker: b}
}

type rpcCall struct {
	machine, project, session, authPath, bearer string
	body                                        interface{}
}

// rpc posts to /rpc/<method> and decodes a JSON-object response into a
// map[string]interface{}; the map is nil when the response is empty or
// not a JSON object (e.g. a JSON array — see rpcArray).
func (tb *testBroker) rpc(method string, call rpcCall) (int, map[string]interface{}) {
	status, raw := tb.rpcRaw(method, call)
	if len(raw) == 0 {
		return status, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return status, nil
	}
	return status, obj
}

// rpcArray is rpc's twin for methods whose successful response is a
// JSON array (get_messages, peek_messages, list_agents).
func (tb *testBroker) rpcArray(method string, call rpcCall) (int, []map[string]interface{}) {
	status, raw := tb.rpcRaw(method, call)
	if len(raw) == 0 {
		return status, nil
	}
	var arr []map[string]interface{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return status, nil
	}
	return status, arr
}

func (tb *testBroker) rpcRaw(method string, call rpcCall) (int, json.RawMessage) {
	tb.t.Helper()
	var buf bytes.Buffer
	if call.body != nil {
		require.NoError(tb.t, json.NewEncoder(&buf).Encode(call.body))
	}
	req, err := http.NewRequest(http.MethodPost, tb.server.URL+"/rpc/"+method, &buf)
	require.NoError(tb.t, err)
	tb.applyHeaders(req, call)

	resp, err := tb.server.Client().Do(req)
	require.NoError(tb.t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	if resp.ContentLength != 0 {
		require.NoError(tb.t, json.NewDecoder(resp.Body).Decode(&raw))
	}
	return resp.StatusCode, raw
}

func (tb *testBroker) applyHeaders(req *http.Request, call rpcCall) {
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.machine != "" {
		req.Header.Set(HeaderMachineName, call.machine)
	}
	if call.project != "" {
		req.Header.Set(HeaderProjectName, call.project)
	}
	if call.session != "" {
		req.Header.Set(HeaderSessionID, call.session)
	}
	if call.authPath != "" {
		req.Header.Set(HeaderAuthPath, call.authPath)
	}
	if call.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+call.bearer)
	}
}

func (tb *testBroker) register(machine, project, session string) map[string]interface{} {
	status, body := tb.rpc("register_agent", rpcCall{machine: machine, project: project, session: session})
	require.Equal(tb.t, http.StatusOK, status)
	return body
}

func TestHealth_ReportsOnlineCount(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.register("alice", "web", "s1")

	resp, err := tb.server.Client().Get(tb.server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["agents_online"])
}

// S1: collision resolution. A live session gets a derived suffix; an
// offline slot is reused by a fresh registration at the base id.
func TestRegister_CollisionThenOfflineReuse(t *testing.T) {
	cfg := &config.Config{
		Liveness: 60 * time.Millisecond, MessageTTL: time.Hour,
		CompactThreshold: 20, MaxWait: time.Hour, NotifyCap: 16,
	}
	tb := newTestBroker(t, cfg)

	first := tb.register("alice", "web", "s1")
	assert.Equal(t, "alice/web", first["id"])

	second := tb.register("alice", "web", "s2")
	assert.Equal(t, "alice/web-2", second["id"])

	time.Sleep(100 * time.Millisecond) // past liveness: s1 goes offline

	third := tb.register("alice", "web", "s3")
	assert.Equal(t, "alice/web", third["id"])
}

// S2: round-trip send -> get -> reply -> wait_for_response.
func TestMessageRoundTrip(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.register("a", "", "")
	tb.register("b", "", "")

	status, sent := tb.rpc("send_message", rpcCall{
		machine: "a", body: map[string]interface{}{"to": "b", "message": "hi"},
	})
	require.Equal(t, http.StatusOK, status)
	msgID, _ := sent["id"].(string)
	require.NotEmpty(t, msgID)

	status, got := tb.rpcArray("get_messages", rpcCall{machine: "b", body: map[string]interface{}{"agent_id": "b"}})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, got, 1)
	assert.Equal(t, msgID, got[0]["id"])

	status, reply := tb.rpc("reply", rpcCall{
		machine: "b", body: map[string]interface{}{"message_id": msgID, "response": "ok"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", reply["message"])

	done := make(chan map[string]interface{}, 1)
	go func() {
		_, res := tb.rpc("wait_for_response", rpcCall{
			machine: "a", body: map[string]interface{}{"agent_id": "a", "message_id": msgID, "timeout": 5},
		})
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, "ok", res["message"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait_for_response did not return in time")
	}
}

// S3: out-of-order replies must still reach the waiter blocked on the
// earlier request id, thanks to put-back-at-tail.
func TestWaitForResponse_OutOfOrder(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.register("a", "", "")
	tb.register("b", "", "")

	_, m1 := tb.rpc("send_message", rpcCall{machine: "a", body: map[string]interface{}{"to": "b", "message": "one"}})
	_, m2 := tb.rpc("send_message", rpcCall{machine: "a", body: map[string]interface{}{"to": "b", "message": "two"}})
	id1, id2 := m1["id"].(string), m2["id"].(string)

	_, _ = tb.rpc("reply", rpcCall{machine: "b", body: map[string]interface{}{"message_id": id2, "response": "second"}})
	_, _ = tb.rpc("reply", rpcCall{machine: "b", body: map[string]interface{}{"message_id": id1, "response": "first"}})

	_, r1 := tb.rpc("wait_for_response", rpcCall{
		machine: "a", body: map[string]interface{}{"agent_id": "a", "message_id": id1, "timeout": 5},
	})
	assert.Equal(t, "first", r1["message"])
}

// S4: compaction triggers once the inbox crosses COMPACT_THRESHOLD,
// and acked entries never resurface afterward.
func TestAckMessages_TriggersCompaction(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.register("a", "", "")
	tb.register("b", "", "")

	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		_, sent := tb.rpc("send_message", rpcCall{machine: "a", body: map[string]interface{}{"to": "b", "message": "m"}})
		ids = append(ids, sent["id"].(string))
	}

	status, ack := tb.rpc("ack_messages", rpcCall{
		machine: "b", body: map[string]interface{}{"agent_id": "b", "ids": ids[:23]},
	})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 23, ack["acked"])
	assert.Equal(t, true, ack["compacted"])

	_, remaining := tb.rpcArray("get_messages", rpcCall{machine: "b", body: map[string]interface{}{"agent_id": "b"}})
	require.Len(t, remaining, 2)
	assert.Equal(t, ids[23], remaining[0]["id"])
	assert.Equal(t, ids[24], remaining[1]["id"])

	status, ack2 := tb.rpc("ack_messages", rpcCall{
		machine: "b", body: map[string]interface{}{"agent_id": "b", "ids": ids[23:]},
	})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, ack2["acked"])

	_, empty := tb.rpcArray("get_messages", rpcCall{machine: "b", body: map[string]interface{}{"agent_id": "b"}})
	assert.Empty(t, empty)
}

// S5: an api_key-sourced request is forbidden against an out-of-pattern
// target and admitted against an in-pattern one.
func TestAuthorization_PatternEnforced(t *testing.T) {
	cfg := &config.Config{
		Liveness: time.Minute, MessageTTL: time.Hour, CompactThreshold: 20,
		MaxWait: time.Hour, NotifyCap: 16,
		ServerSecret: "srvsecret", AdminKey: "adminsecret", ProxyToken: "proxytok",
	}
	tb := newTestBroker(t, cfg)
	status, _ := tb.rpc("register_agent", rpcCall{machine: "machine", project: "p", bearer: "proxytok"})
	require.Equal(t, http.StatusOK, status)
	status, _ = tb.rpc("register_agent", rpcCall{machine: "other", project: "x", bearer: "proxytok"})
	require.Equal(t, http.StatusOK, status)

	// Mint a key restricted to machine/* directly through the
	// validator, mirroring what the admin HTTP endpoint would do.
	key, err := tb.broker.AuthValidator().CreateKey(context.Background(), "machine/*", "scoped key")
	require.NoError(t, err)

	status, forbidden := tb.rpc("send_message", rpcCall{
		machine: "machine", project: "p", authPath: "/agent", bearer: key.Token,
		body: map[string]interface{}{"to": "other/x", "message": "hi"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", forbidden["code"])

	status, ok := tb.rpc("send_message", rpcCall{
		machine: "machine", project: "p", authPath: "/agent", bearer: key.Token,
		body: map[string]interface{}{"to": "machine/p", "message": "hi"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "machine/p", ok["to_agent"])
}

// S6: graceful shutdown wakes an in-flight wait with a retry record
// instead of letting it block for its full client timeout.
func TestWaitForMessage_ShutdownReturnsRetry(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.register("a", "", "")

	done := make(chan map[string]interface{}, 1)
	go func() {
		_, res := tb.rpc("wait_for_message", rpcCall{
			machine: "a", body: map[string]interface{}{"agent_id": "a", "timeout": 30},
		})
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	close(tb.broker.shutdown)

	select {
	case res := <-done:
		assert.Equal(t, "retry", res["status"])
		assert.EqualValues(t, 15, res["retry_after"])
	case <-time.After(20 * time.Second):
		t.Fatal("wait_for_message did not observe shutdown in time")
	}
}
