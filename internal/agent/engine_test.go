package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mgalvez/vera-agent/internal/conversation"
	"github.com/mgalvez/vera-agent/internal/ledger"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/store"
	"github.com/mgalvez/vera-agent/internal/tools"
)

// scriptedClient replays a fixed sequence of stream events per call.
type scriptedClient struct {
	script [][]llm.StreamEvent
	errs   []error

	calls []scriptedCall
}

type scriptedCall struct {
	messages []llm.Message
	tools    []map[string]any
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, decls []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	i := len(c.calls)
	c.calls = append(c.calls, scriptedCall{messages: messages, tools: decls})
	if i < len(c.script) {
		for _, ev := range c.script[i] {
			cb(ev)
		}
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return &llm.ChatResponse{Done: true}, nil
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, decls []map[string]any) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	turns       map[string][]conversation.Turn
	invocations []store.Invocation
	rules       map[string][]store.Rule
	activities  []store.Activity
	failAppend  bool
}

func newMemStore() *memStore {
	return &memStore{
		turns: make(map[string][]conversation.Turn),
		rules: make(map[string][]store.Rule),
	}
}

func (m *memStore) AppendTurn(sessionID string, turn conversation.Turn) error {
	if m.failAppend {
		return fmt.Errorf("disk full")
	}
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
func (m *memStore) RecordInvocation(inv store.Invocation) error {
	m.invocations = append(m.invocations, inv)
	return nil
}
func (m *memStore) Invocations(string, int) ([]store.Invocation, error) { return m.invocations, nil }
func (m *memStore) AddRule(sessionID, text string) error {
	m.rules[sessionID] = append(m.rules[sessionID], store.Rule{SessionID: sessionID, Text: text})
	return nil
}
func (m *memStore) Rules(sessionID string) ([]store.Rule, error) { return m.rules[sessionID], nil }
func (m *memStore) AppendActivity(sessionID, kind, detail string) error {
	m.activities = append(m.activities, store.Activity{SessionID: sessionID, Kind: kind, Detail: detail})
	return nil
}
func (m *memStore) Close() error { return nil }

type eventSink struct {
	events []ClientEvent
}

func (s *eventSink) emit(ev ClientEvent) { s.events = append(s.events, ev) }

func (s *eventSink) byName(name string) []ClientEvent {
	var out []ClientEvent
	for _, ev := range s.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func seededRegistry(t *testing.T, mem store.Store, stock int, halt bool) *tools.Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := ledger.NewStore(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := l.UpsertProduct(ledger.Product{SKU: "LED-H4", Name: "Faro LED H4", PriceCents: 45000, Stock: stock}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tools.NewRegistry(tools.Options{Ledger: l, Memory: mem, HaltOutOfStock: halt})
}

func newTestEngine(client llm.Client, mem store.Store, reg *tools.Registry) *Engine {
	return New(Options{
		Client:   client,
		Model:    "qwen3:4b",
		Registry: reg,
		Memory:   mem,
	})
}

func tokens(parts ...string) []llm.StreamEvent {
	var evs []llm.StreamEvent
	for _, p := range parts {
		evs = append(evs, llm.StreamEvent{Kind: llm.KindToken, Token: p})
	}
	return evs
}

func TestPlainTextTurn(t *testing.T) {
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			append(tokens("Hola, ", "¿en qué puedo ayudarte?"), llm.StreamEvent{Kind: llm.KindDone}),
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	if err := e.HandleMessage(context.Background(), "s1", "hola", "", sink.emit); err != nil {
		t.Fatalf("handle: %v", err)
	}

	chunks := sink.byName(EventStreamChunk)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Payload != "Hola, " {
		t.Errorf("chunk order wrong: got %v first", chunks[0].Payload)
	}
	if ends := sink.byName(EventStreamEnd); len(ends) != 1 {
		t.Errorf("got %d stream-end events, want 1", len(ends))
	}
	if got := len(mem.turns["s1"]); got != 2 {
		t.Errorf("got %d persisted turns, want 2 (user + model)", got)
	}
	if len(client.calls) != 1 {
		t.Errorf("got %d model calls, want 1", len(client.calls))
	}
	if client.calls[0].tools == nil {
		t.Error("first stream must advertise tool declarations")
	}
}

func TestToolRoundTrip(t *testing.T) {
	// The customer asks for LED headlights; the model checks inventory
	// (which reports zero stock) and the turn still resumes for a
	// second stream.
	call := llm.NewToolCall("tc_1", "get_inventory_status", map[string]any{"query": "faro led"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{
				{Kind: llm.KindToken, Token: "Déjame revisar el inventario."},
				{Kind: llm.KindToolCall, ToolCall: &call},
				{Kind: llm.KindDone},
			},
			append(tokens("Por el momento están agotados, ", "pero puedo pedirlos."), llm.StreamEvent{Kind: llm.KindDone}),
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 0, false))
	sink := &eventSink{}

	if err := e.HandleMessage(context.Background(), "s1", "tienen faros led?", "", sink.emit); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(client.calls) != 2 {
		t.Fatalf("got %d model calls, want 2 (initial + resume)", len(client.calls))
	}
	if client.calls[1].tools != nil {
		t.Error("resume stream must not advertise tools")
	}

	// The resume call carries the assistant tool call and the tool
	// result message.
	resumeMsgs := client.calls[1].messages
	last := resumeMsgs[len(resumeMsgs)-1]
	if last.Role != "tool" || last.ToolCallID != "tc_1" {
		t.Errorf("last resume message = %+v, want tool result for tc_1", last)
	}

	turns := mem.turns["s1"]
	if len(turns) != 3 {
		t.Fatalf("got %d persisted turns, want 3", len(turns))
	}
	toolTurn := turns[1]
	if len(toolTurn.Fragments) != 3 {
		t.Fatalf("tool turn has %d fragments, want text+tool_call+tool_result", len(toolTurn.Fragments))
	}
	if toolTurn.Fragments[1].Kind != conversation.FragmentToolCall ||
		toolTurn.Fragments[2].Kind != conversation.FragmentToolResult {
		t.Errorf("fragment order wrong: %+v", toolTurn.Fragments)
	}

	if notes := sink.byName(EventNotification); len(notes) != 1 {
		t.Errorf("got %d notifications, want 1", len(notes))
	}
	if len(mem.invocations) != 1 || mem.invocations[0].Tool != "get_inventory_status" {
		t.Errorf("invocation audit missing: %+v", mem.invocations)
	}
	if mem.invocations[0].Arguments["session_id"] != "s1" {
		t.Error("executor must inject the connection's session identity")
	}
}

func TestMissingSessionIdentity(t *testing.T) {
	client := &scriptedClient{}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "  ", "hola", "", sink.emit)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if len(sink.events) != 1 || sink.events[0].Event != EventError {
		t.Errorf("want exactly one error event, got %+v", sink.events)
	}
	if len(client.calls) != 0 {
		t.Error("no model call may happen for a rejected message")
	}
	for id, turns := range mem.turns {
		if len(turns) != 0 {
			t.Errorf("session %q has %d persisted turns, want none", id, len(turns))
		}
	}
}

func TestUpstreamFailureOnInitialStream(t *testing.T) {
	client := &scriptedClient{errs: []error{fmt.Errorf("connection refused")}}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "s1", "hola", "", sink.emit)

	var uerr *UpstreamModelError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v, want UpstreamModelError", err)
	}
	if uerr.Phase != "initial" {
		t.Errorf("got phase %q, want initial", uerr.Phase)
	}
	if len(sink.byName(EventError)) != 1 {
		t.Error("expected an error event for the client")
	}
}

func TestInitialStreamFailureKeepsStreamedText(t *testing.T) {
	// The model streams part of an answer and then the connection
	// drops. What the customer already saw must survive a reload.
	client := &scriptedClient{
		script: [][]llm.StreamEvent{tokens("Tenemos tres modelos ", "de faros led")},
		errs:   []error{fmt.Errorf("connection reset")},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "s1", "tienen faros led?", "", sink.emit)

	var uerr *UpstreamModelError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v, want UpstreamModelError", err)
	}
	turns := mem.turns["s1"]
	if len(turns) != 2 {
		t.Fatalf("got %d persisted turns, want user + partial model", len(turns))
	}
	if got := turns[1].Fragments[0].Text; got != "Tenemos tres modelos de faros led" {
		t.Errorf("partial turn text = %q", got)
	}
	errs := sink.byName(EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	if _, ok := errs[0].Payload.(string); !ok {
		t.Errorf("error payload = %T, want string", errs[0].Payload)
	}
}

func TestResumeStreamFailureKeepsStreamedText(t *testing.T) {
	call := llm.NewToolCall("tc_1", "get_inventory_status", map[string]any{"query": "faro led"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{
				{Kind: llm.KindToken, Token: "Déjame revisar."},
				{Kind: llm.KindToolCall, ToolCall: &call},
				{Kind: llm.KindDone},
			},
			tokens("Por el momento"),
		},
		errs: []error{nil, fmt.Errorf("connection reset")},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "s1", "tienen faros led?", "", sink.emit)

	var uerr *UpstreamModelError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v, want UpstreamModelError", err)
	}
	if uerr.Phase != "resume" {
		t.Errorf("got phase %q, want resume", uerr.Phase)
	}
	turns := mem.turns["s1"]
	if len(turns) != 3 {
		t.Fatalf("got %d persisted turns, want user + tool turn + partial model", len(turns))
	}
	if got := turns[2].Fragments[0].Text; got != "Por el momento" {
		t.Errorf("partial turn text = %q", got)
	}
}

func TestExtraToolCallsRecordedNotExecuted(t *testing.T) {
	first := llm.NewToolCall("tc_1", "get_inventory_status", map[string]any{"query": "faro"})
	second := llm.NewToolCall("tc_2", "create_task", map[string]any{"title": "x"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{
				{Kind: llm.KindToolCall, ToolCall: &first},
				{Kind: llm.KindToolCall, ToolCall: &second},
				{Kind: llm.KindDone},
			},
			tokens("Listo."),
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	if err := e.HandleMessage(context.Background(), "s1", "faros y una tarea", "", sink.emit); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(mem.invocations) != 1 {
		t.Fatalf("got %d invocations, want 1", len(mem.invocations))
	}
	inv := mem.invocations[0]
	if inv.Tool != "get_inventory_status" {
		t.Errorf("executed %q, want the first requested tool", inv.Tool)
	}
	if len(inv.ExtraCalls) != 1 || inv.ExtraCalls[0] != "create_task" {
		t.Errorf("extra calls = %v, want [create_task]", inv.ExtraCalls)
	}
}

func TestHaltSkipsResumeStream(t *testing.T) {
	call := llm.NewToolCall("tc_1", "get_inventory_status", map[string]any{"query": "faro led"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{{Kind: llm.KindToolCall, ToolCall: &call}, {Kind: llm.KindDone}},
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 0, true))
	sink := &eventSink{}

	if err := e.HandleMessage(context.Background(), "s1", "tienen faros led?", "", sink.emit); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(client.calls) != 1 {
		t.Errorf("got %d model calls, want 1 (halted before resume)", len(client.calls))
	}
	if len(sink.byName(EventStreamEnd)) != 1 {
		t.Error("halted turn must still close the stream")
	}
}

func TestCorrectionInvalidatesInstructionCache(t *testing.T) {
	call := llm.NewToolCall("tc_1", "save_correction", map[string]any{"rule": "responde siempre en inglés"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			tokens("Hola."),
			{{Kind: llm.KindToolCall, ToolCall: &call}, {Kind: llm.KindDone}},
			tokens("Saved."),
			tokens("Sure."),
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	ctx := context.Background()
	if err := e.HandleMessage(ctx, "s1", "hola", "", sink.emit); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if err := e.HandleMessage(ctx, "s1", "responde en inglés", "", sink.emit); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if err := e.HandleMessage(ctx, "s1", "ok", "", sink.emit); err != nil {
		t.Fatalf("turn 3: %v", err)
	}

	system := client.calls[len(client.calls)-1].messages[0]
	if system.Role != "system" {
		t.Fatalf("first message role = %q, want system", system.Role)
	}
	if !strings.Contains(system.Content, "responde siempre en inglés") {
		t.Error("correction must appear in the recomposed instructions")
	}

	// The first turn's system prompt must not contain the rule.
	if strings.Contains(client.calls[0].messages[0].Content, "responde siempre en inglés") {
		t.Error("rule leaked into instructions before it was saved")
	}
}

func TestImageDataInjectedIntoTool(t *testing.T) {
	call := llm.NewToolCall("tc_1", "analyze_image", map[string]any{})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{{Kind: llm.KindToolCall, ToolCall: &call}, {Kind: llm.KindDone}},
			tokens("Es un faro LED H4."),
		},
	}
	mem := newMemStore()

	// A vision client that echoes proof it saw the image.
	vision := &scriptedClient{}
	reg := tools.NewRegistry(tools.Options{Memory: mem, Vision: vision, VisionModel: "llava"})
	e := newTestEngine(client, mem, reg)
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "s1", "qué es esto?", "aW1hZ2U=", sink.emit)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Chat on the scripted vision client fails, so the tool reports a
	// failure; the point is the argument injection, captured in the
	// audit record.
	if len(mem.invocations) != 1 {
		t.Fatalf("got %d invocations, want 1", len(mem.invocations))
	}
	if mem.invocations[0].Arguments["image_data"] != "<attached>" {
		t.Errorf("image argument = %v, want redacted marker", mem.invocations[0].Arguments["image_data"])
	}
}

func TestClientHistorySkipsToolOnlyTurns(t *testing.T) {
	history := []conversation.Turn{
		{Role: conversation.RoleUser, Fragments: []conversation.Fragment{conversation.TextFragment("hola")}},
		{Role: conversation.RoleModel, Fragments: []conversation.Fragment{
			conversation.ToolCallFragment("get_inventory_status", nil),
			conversation.ToolResultFragment("get_inventory_status", map[string]any{"success": true}),
		}},
		{Role: conversation.RoleModel, Fragments: []conversation.Fragment{conversation.TextFragment("Tenemos tres modelos.")}},
	}

	got := ClientHistory(history)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0]["role"] != "user" || got[1]["role"] != "assistant" {
		t.Errorf("roles wrong: %+v", got)
	}
}

func TestUnknownToolEndsTurn(t *testing.T) {
	call := llm.NewToolCall("tc_1", "teleport_parts", map[string]any{"to": "moon"})
	client := &scriptedClient{
		script: [][]llm.StreamEvent{
			{
				{Kind: llm.KindToken, Token: "Un momento."},
				{Kind: llm.KindToolCall, ToolCall: &call},
				{Kind: llm.KindDone},
			},
		},
	}
	mem := newMemStore()
	e := newTestEngine(client, mem, seededRegistry(t, mem, 5, false))
	sink := &eventSink{}

	err := e.HandleMessage(context.Background(), "s1", "teletransporta", "", sink.emit)
	var unavailable *tools.ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}

	errs := sink.byName(EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	msg := errs[0].Payload.(string)
	if !strings.Contains(msg, "teleport_parts") {
		t.Errorf("error event does not name the tool: %q", msg)
	}
	if n := sink.byName(EventNotification); len(n) != 0 {
		t.Errorf("got %d notifications, want 0", len(n))
	}
	if len(client.calls) != 1 {
		t.Errorf("got %d model calls, want 1 (no resume stream)", len(client.calls))
	}

	// Partial turn persisted: the text that streamed before the call.
	turns := mem.turns["s1"]
	if len(turns) != 2 {
		t.Fatalf("got %d persisted turns, want 2 (user + partial model)", len(turns))
	}
	if turns[1].Fragments[0].Text != "Un momento." {
		t.Errorf("partial turn text = %q", turns[1].Fragments[0].Text)
	}

	// The failed dispatch still leaves an audit record.
	if len(mem.invocations) != 1 || mem.invocations[0].Error == "" {
		t.Errorf("invocation audit missing or without error: %+v", mem.invocations)
	}
}
