// Package ledger persists the store's business records: products,
// tasks, notes, expenses, and generated quotes. It is deliberately
// separate from the conversation store — business records outlive any
// conversation and are shared across sessions.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("ledger: not found")

// Product is one inventory item.
type Product struct {
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Detail     string    `json:"detail,omitempty"`
	PriceCents int64     `json:"price_cents"`
	Stock      int       `json:"stock"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Task is a follow-up item created by staff or by the assistant.
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Title     string     `json:"title"`
	Detail    string     `json:"detail,omitempty"`
	Done      bool       `json:"done"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Note is a free-form note.
type Note struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Expense is a recorded expense entry.
type Expense struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Description string    `json:"description"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// QuoteLine is one line of a quote.
type QuoteLine struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Quote is a generated price quote.
type Quote struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Customer   string      `json:"customer,omitempty"`
	Lines      []QuoteLine `json:"lines"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Store manages ledger persistence. The *sql.DB is injected so callers
// choose the driver; main opens it with the CGO-free modernc driver.
type Store struct {
	db *sql.DB
}

// NewStore wraps db and applies the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		detail TEXT,
		price_cents INTEGER NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		title TEXT NOT NULL,
		detail TEXT,
		done BOOLEAN NOT NULL DEFAULT FALSE,
		due_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		description TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		customer TEXT,
		total_cents INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quote_lines (
		quote_id TEXT NOT NULL,
		line INTEGER NOT NULL,
		sku TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price_cents INTEGER NOT NULL,
		PRIMARY KEY (quote_id, line)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Products ---

// UpsertProduct inserts or replaces a product row.
func (s *Store) UpsertProduct(p Product) error {
	_, err := s.db.Exec(`
		INSERT INTO products (sku, name, detail, price_cents, stock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sku) DO UPDATE SET
			name = excluded.name,
			detail = excluded.detail,
			price_cents = excluded.price_cents,
			stock = excluded.stock,
			updated_at = excluded.updated_at
	`, p.SKU, p.Name, p.Detail, p.PriceCents, p.Stock, time.Now())
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// ProductBySKU returns the product with the given SKU.
func (s *Store) ProductBySKU(sku string) (*Product, error) {
	row := s.db.QueryRow(`
		SELECT sku, name, detail, price_cents, stock, updated_at
		FROM products WHERE sku = ?
	`, sku)
	var p Product
	var detail sql.NullString
	if err := row.Scan(&p.SKU, &p.Name, &detail, &p.PriceCents, &p.Stock, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query product: %w", err)
	}
	p.Detail = detail.String
	return &p, nil
}

// FindProducts returns products whose name or detail matches the query,
// case-insensitively, up to limit.
func (s *Store) FindProducts(query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.Query(`
		SELECT sku, name, detail, price_cents, stock, updated_at
		FROM products
		WHERE LOWER(name) LIKE ? OR LOWER(detail) LIKE ?
		ORDER BY name LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("find products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var detail sql.NullString
		if err := rows.Scan(&p.SKU, &p.Name, &detail, &p.PriceCents, &p.Stock, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Detail = detail.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Tasks ---

// CreateTask inserts a task and returns it with ID and timestamp set.
func (s *Store) CreateTask(t Task) (*Task, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, session_id, title, detail, done, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.Title, t.Detail, t.Done, t.DueAt, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// ListTasks returns all tasks, optionally only open ones, newest first.
func (s *Store) ListTasks(openOnly bool) ([]Task, error) {
	q := `SELECT id, session_id, title, detail, done, due_at, created_at FROM tasks`
	if openOnly {
		q += ` WHERE done = FALSE`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var sessionID, detail sql.NullString
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &sessionID, &t.Title, &detail, &t.Done, &due, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.SessionID = sessionID.String
		t.Detail = detail.String
		if due.Valid {
			t.DueAt = &due.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask patches a task's done flag and/or title.
func (s *Store) UpdateTask(id string, done *bool, title *string) (*Task, error) {
	if done != nil {
		if _, err := s.db.Exec(`UPDATE tasks SET done = ? WHERE id = ?`, *done, id); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
	}
	if title != nil {
		if _, err := s.db.Exec(`UPDATE tasks SET title = ? WHERE id = ?`, *title, id); err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
	}

	row := s.db.QueryRow(`SELECT id, session_id, title, detail, done, due_at, created_at FROM tasks WHERE id = ?`, id)
	var t Task
	var sessionID, detail sql.NullString
	var due sql.NullTime
	if err := row.Scan(&t.ID, &sessionID, &t.Title, &detail, &t.Done, &due, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query task: %w", err)
	}
	t.SessionID = sessionID.String
	t.Detail = detail.String
	if due.Valid {
		t.DueAt = &due.Time
	}
	return &t, nil
}

// --- Notes ---

// CreateNote inserts a note.
func (s *Store) CreateNote(n Note) (*Note, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO notes (id, session_id, body, created_at) VALUES (?, ?, ?, ?)
	`, n.ID, n.SessionID, n.Body, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return &n, nil
}

// ListNotes returns all notes, newest first.
func (s *Store) ListNotes() ([]Note, error) {
	rows, err := s.db.Query(`SELECT id, session_id, body, created_at FROM notes ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var sessionID sql.NullString
		if err := rows.Scan(&n.ID, &sessionID, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.SessionID = sessionID.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Expenses ---

// CreateExpense inserts an expense.
func (s *Store) CreateExpense(e Expense) (*Expense, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO expenses (id, session_id, description, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Description, e.AmountCents, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create expense: %w", err)
	}
	return &e, nil
}

// ListExpenses returns all expenses, newest first.
func (s *Store) ListExpenses() ([]Expense, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, description, amount_cents, created_at
		FROM expenses ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []Expense
	for rows.Next() {
		var e Expense
		var sessionID sql.NullString
		if err := rows.Scan(&e.ID, &sessionID, &e.Description, &e.AmountCents, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.SessionID = sessionID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Quotes ---

// CreateQuote inserts a quote with its lines. The total is computed
// from the lines, not trusted from the caller.
func (s *Store) CreateQuote(q Quote) (*Quote, error) {
	q.ID = uuid.NewString()
	q.CreatedAt = time.Now()
	q.TotalCents = 0
	for _, l := range q.Lines {
		q.TotalCents += l.PriceCents * int64(l.Quantity)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin quote tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO quotes (id, session_id, customer, total_cents, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, q.ID, q.SessionID, q.Customer, q.TotalCents, q.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}

	for i, l := range q.Lines {
		_, err = tx.Exec(`
			INSERT INTO quote_lines (quote_id, line, sku, name, quantity, price_cents)
			VALUES (?, ?, ?, ?, ?, ?)
		`, q.ID, i, l.SKU, l.Name, l.Quantity, l.PriceCents)
		if err != nil {
			return nil, fmt.Errorf("create quote line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quote: %w", err)
	}
	return &q, nil
}

// QuoteByID returns a quote with its lines.
func (s *Store) QuoteByID(id string) (*Quote, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, customer, total_cents, created_at FROM quotes WHERE id = ?
	`, id)
	var q Quote
	var customer sql.NullString
	if err := row.Scan(&q.ID, &q.SessionID, &customer, &q.TotalCents, &q.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query quote: %w", err)
	}
	q.Customer = customer.String

	rows, err := s.db.Query(`
		SELECT sku, name, quantity, price_cents FROM quote_lines
		WHERE quote_id = ? ORDER BY line
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query quote lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l QuoteLine
		if err := rows.Scan(&l.SKU, &l.Name, &l.Quantity, &l.PriceCents); err != nil {
			return nil, fmt.Errorf("scan quote line: %w", err)
		}
		q.Lines = append(q.Lines, l)
	}
	return &q, rows.Err()
}
