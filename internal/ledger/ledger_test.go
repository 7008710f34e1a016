package ledger

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestProductUpsertAndFind(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertProduct(Product{SKU: "LED-H4", Name: "Faro LED H4", Detail: "Par de faros LED", PriceCents: 45000, Stock: 12}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertProduct(Product{SKU: "HAL-H4", Name: "Faro halógeno H4", PriceCents: 18000, Stock: 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.FindProducts("led", 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d products, want 1", len(got))
	}
	if got[0].SKU != "LED-H4" {
		t.Errorf("got sku %q, want %q", got[0].SKU, "LED-H4")
	}

	// Upsert replaces stock.
	if err := s.UpsertProduct(Product{SKU: "LED-H4", Name: "Faro LED H4", PriceCents: 45000, Stock: 3}); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	p, err := s.ProductBySKU("LED-H4")
	if err != nil {
		t.Fatalf("by sku: %v", err)
	}
	if p.Stock != 3 {
		t.Errorf("got stock %d, want 3", p.Stock)
	}
}

func TestProductNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ProductBySKU("missing"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateTask(Task{Title: "pedir faros al proveedor", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated task ID")
	}

	open, err := s.ListTasks(true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open tasks, want 1", len(open))
	}

	done := true
	updated, err := s.UpdateTask(created.ID, &done, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Done {
		t.Error("expected task marked done")
	}

	open, err = s.ListTasks(true)
	if err != nil {
		t.Fatalf("list after done: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("got %d open tasks, want 0", len(open))
	}
}

func TestUpdateMissingTask(t *testing.T) {
	s := newTestStore(t)
	done := true
	if _, err := s.UpdateTask("nope", &done, nil); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestNotesAndExpenses(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateNote(Note{Body: "cliente pregunta por faros H7"}); err != nil {
		t.Fatalf("create note: %v", err)
	}
	notes, err := s.ListNotes()
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}

	if _, err := s.CreateExpense(Expense{Description: "envío", AmountCents: 2500}); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	expenses, err := s.ListExpenses()
	if err != nil {
		t.Fatalf("list expenses: %v", err)
	}
	if len(expenses) != 1 || expenses[0].AmountCents != 2500 {
		t.Errorf("unexpected expenses: %+v", expenses)
	}
}

func TestQuoteTotalComputedFromLines(t *testing.T) {
	s := newTestStore(t)

	q, err := s.CreateQuote(Quote{
		SessionID:  "s1",
		TotalCents: 999999, // ignored
		Lines: []QuoteLine{
			{SKU: "LED-H4", Name: "Faro LED H4", Quantity: 2, PriceCents: 45000},
			{SKU: "REL-12V", Name: "Relé 12V", Quantity: 1, PriceCents: 3000},
		},
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	if q.TotalCents != 93000 {
		t.Errorf("got total %d, want 93000", q.TotalCents)
	}

	loaded, err := s.QuoteByID(q.ID)
	if err != nil {
		t.Fatalf("load quote: %v", err)
	}
	if len(loaded.Lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(loaded.Lines))
	}
	if loaded.Lines[0].SKU != "LED-H4" {
		t.Errorf("line order: got %q first, want LED-H4", loaded.Lines[0].SKU)
	}
}
