// Package web serves the HTTP surface: the WebSocket chat endpoint and
// a small JSON API for the store's back office (tasks, notes, expenses,
// inventory).
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mgalvez/vera-agent/internal/buildinfo"
	"github.com/mgalvez/vera-agent/internal/events"
	"github.com/mgalvez/vera-agent/internal/ledger"
	"github.com/mgalvez/vera-agent/internal/store"
)

// writeJSON encodes v as JSON to w. Encode errors typically mean the
// client disconnected mid-response, so they are logged at debug level.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server is the HTTP server hosting the gateway and back-office API.
type Server struct {
	addr    string
	ledger  *ledger.Store
	memory  store.Store
	bus     *events.Bus
	gateway http.Handler
	server  *http.Server
}

// New creates a Server. gateway handles the /ws endpoint.
func New(addr string, l *ledger.Store, memory store.Store, bus *events.Bus, gateway http.Handler) *Server {
	return &Server{addr: addr, ledger: l, memory: memory, bus: bus, gateway: gateway}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.gateway != nil {
		mux.Handle("/ws", s.gateway)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleTaskUpdate)
	mux.HandleFunc("GET /api/notes", s.handleNoteList)
	mux.HandleFunc("POST /api/notes", s.handleNoteCreate)
	mux.HandleFunc("GET /api/expenses", s.handleExpenseList)
	mux.HandleFunc("POST /api/expenses", s.handleExpenseCreate)
	mux.HandleFunc("GET /api/products", s.handleProductSearch)
	mux.HandleFunc("PUT /api/products", s.handleProductUpsert)
	mux.HandleFunc("GET /api/quotes/{id}", s.handleQuoteGet)
	mux.HandleFunc("GET /api/invocations", s.handleInvocationList)
	return s.withLogging(mux)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    int64(buildinfo.Uptime().Seconds()),
		"event_subscribers": s.bus.SubscriberCount(),
	})
}

// --- Tasks ---

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	tasks, err := s.ledger.ListTasks(openOnly)
	if err != nil {
		slog.Error("list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Due    string `json:"due"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task := ledger.Task{Title: req.Title, Detail: req.Detail}
	if req.Due != "" {
		due, err := time.Parse(time.RFC3339, req.Due)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due must be RFC3339")
			return
		}
		task.DueAt = &due
	}
	created, err := s.ledger.CreateTask(task)
	if err != nil {
		slog.Error("create task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Done  *bool   `json:"done"`
		Title *string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	updated, err := s.ledger.UpdateTask(r.PathValue("id"), req.Done, req.Title)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		slog.Error("update task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update task failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Notes ---

func (s *Server) handleNoteList(w http.ResponseWriter, r *http.Request) {
	notes, err := s.ledger.ListNotes()
	if err != nil {
		slog.Error("list notes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list notes failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleNoteCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	created, err := s.ledger.CreateNote(ledger.Note{Body: req.Body})
	if err != nil {
		slog.Error("create note failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create note failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- Expenses ---

func (s *Server) handleExpenseList(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.ledger.ListExpenses()
	if err != nil {
		slog.Error("list expenses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list expenses failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
}

func (s *Server) handleExpenseCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		AmountCents int64  `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if req.AmountCents <= 0 {
		writeError(w, http.StatusBadRequest, "amount_cents must be positive")
		return
	}
	created, err := s.ledger.CreateExpense(ledger.Expense{
		Description: req.Description,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		slog.Error("create expense failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create expense failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- Products ---

func (s *Server) handleProductSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	products, err := s.ledger.FindProducts(q, limit)
	if err != nil {
		slog.Error("product search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "product search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleProductUpsert(w http.ResponseWriter, r *http.Request) {
	var p ledger.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.SKU == "" || p.Name == "" {
		writeError(w, http.StatusBadRequest, "sku and name are required")
		return
	}
	if err := s.ledger.UpsertProduct(p); err != nil {
		slog.Error("product upsert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "product upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Quotes ---

func (s *Server) handleQuoteGet(w http.ResponseWriter, r *http.Request) {
	q, err := s.ledger.QuoteByID(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "quote not found")
			return
		}
		slog.Error("quote load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "quote load failed")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Tool invocation audit ---

func (s *Server) handleInvocationList(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	invs, err := s.memory.Invocations(session, limit)
	if err != nil {
		slog.Error("invocation list failed", "session", session, "error", err)
		writeError(w, http.StatusInternalServerError, "invocation list failed")
		return
	}
	writeJSON(w, http.StatusOK, invs)
}
