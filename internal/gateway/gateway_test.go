package gateway

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mgalvez/vera-agent/internal/agent"
	"github.com/mgalvez/vera-agent/internal/conversation"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/store"
	"github.com/mgalvez/vera-agent/internal/tools"
)

// echoClient streams each user message back token by token.
type echoClient struct{}

func (echoClient) ChatStream(ctx context.Context, model string, messages []llm.Message, decls []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	last := messages[len(messages)-1]
	for _, word := range strings.Fields("eco: " + last.Content) {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: word + " "})
	}
	cb(llm.StreamEvent{Kind: llm.KindDone})
	return &llm.ChatResponse{Done: true}, nil
}

func (echoClient) Chat(ctx context.Context, model string, messages []llm.Message, decls []map[string]any) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (echoClient) Ping(ctx context.Context) error { return nil }

type memStore struct {
	turns map[string][]conversation.Turn
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]conversation.Turn)}
}

func (m *memStore) AppendTurn(sessionID string, turn conversation.Turn) error {
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}
func (m *memStore) History(sessionID string) ([]conversation.Turn, error) {
	return m.turns[sessionID], nil
}
func (m *memStore) ClearHistory(sessionID string) error {
	delete(m.turns, sessionID)
	return nil
}
func (m *memStore) RecordInvocation(store.Invocation) error              { return nil }
func (m *memStore) Invocations(string, int) ([]store.Invocation, error)  { return nil, nil }
func (m *memStore) AddRule(string, string) error                         { return nil }
func (m *memStore) Rules(string) ([]store.Rule, error)                   { return nil, nil }
func (m *memStore) AppendActivity(string, string, string) error          { return nil }
func (m *memStore) Close() error                                         { return nil }

func dialTestServer(t *testing.T) (*websocket.Conn, *memStore) {
	t.Helper()
	mem := newMemStore()
	engine := agent.New(agent.Options{
		Client:   echoClient{},
		Model:    "test",
		Registry: tools.NewRegistry(tools.Options{Memory: mem}),
		Memory:   mem,
	})
	srv := httptest.NewServer(New(engine, mem, nil, 16))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, mem
}

// readEvents collects events until one named until arrives or the
// timeout fires.
func readEvents(t *testing.T, conn *websocket.Conn, until string) []agent.ClientEvent {
	t.Helper()
	var out []agent.ClientEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev agent.ClientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read (have %d events): %v", len(out), err)
		}
		out = append(out, ev)
		if ev.Event == until {
			return out
		}
	}
}

func TestChatMessageRoundTrip(t *testing.T) {
	conn, mem := dialTestServer(t)

	if err := conn.WriteJSON(map[string]any{
		"type":            "chat-message",
		"sessionIdentity": "s1",
		"message":         "hola",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	evs := readEvents(t, conn, agent.EventStreamEnd)
	var chunks int
	for _, ev := range evs {
		if ev.Event == agent.EventStreamChunk {
			chunks++
		}
	}
	if chunks == 0 {
		t.Error("expected streamed chunks before stream-end")
	}
	if got := len(mem.turns["s1"]); got != 2 {
		t.Errorf("got %d persisted turns, want 2", got)
	}
}

func TestMissingSessionEmitsSingleError(t *testing.T) {
	conn, mem := dialTestServer(t)

	if err := conn.WriteJSON(map[string]any{
		"type":    "chat-message",
		"message": "hola",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	evs := readEvents(t, conn, agent.EventError)
	if len(evs) != 1 {
		t.Errorf("got %d events before error, want the error alone", len(evs))
	}
	if len(mem.turns) != 0 {
		t.Error("rejected message must persist nothing")
	}
}

func TestLoadHistory(t *testing.T) {
	conn, mem := dialTestServer(t)
	mem.turns["s1"] = []conversation.Turn{
		{Role: conversation.RoleUser, Fragments: []conversation.Fragment{conversation.TextFragment("hola")}},
	}

	if err := conn.WriteJSON(map[string]any{
		"type":            "load-history",
		"sessionIdentity": "s1",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	evs := readEvents(t, conn, agent.EventHistoryLoaded)
	payload := evs[len(evs)-1].Payload.(map[string]any)
	history := payload["history"].([]any)
	if len(history) != 1 {
		t.Errorf("got %d history entries, want 1", len(history))
	}
	if _, ok := payload["rawHistory"]; !ok {
		t.Error("history-loaded must include the raw fragment view")
	}
}

func TestClearHistory(t *testing.T) {
	conn, mem := dialTestServer(t)
	mem.turns["s1"] = []conversation.Turn{
		{Role: conversation.RoleUser, Fragments: []conversation.Fragment{conversation.TextFragment("hola")}},
	}

	if err := conn.WriteJSON(map[string]any{
		"type":            "clear-history",
		"sessionIdentity": "s1",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	readEvents(t, conn, agent.EventNotification)
	if len(mem.turns["s1"]) != 0 {
		t.Error("history not cleared")
	}
}

func TestUnknownMessageType(t *testing.T) {
	conn, _ := dialTestServer(t)

	if err := conn.WriteJSON(map[string]any{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	evs := readEvents(t, conn, agent.EventError)
	if len(evs) != 1 {
		t.Errorf("got %d events, want 1 error", len(evs))
	}
}

func TestMalformedJSON(t *testing.T) {
	conn, _ := dialTestServer(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readEvents(t, conn, agent.EventError)
}
