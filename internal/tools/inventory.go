package tools

import (
	"context"
	"fmt"
	"strings"
)

func (r *Registry) registerInventory() {
	r.Register(&Tool{
		Name:        "get_inventory_status",
		Description: "Check current stock and price for products in the store. Provide a query, a SKU, or both. Use this before promising availability or quoting a price.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Product name or keyword to search for (e.g., 'faro led', 'bujía')",
				},
				"sku": map[string]any{
					"type":        "string",
					"description": "Exact SKU, when the customer already knows it",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of products to return (default 5)",
				},
			},
		},
		Handler: r.handleInventoryStatus,
	})
}

func (r *Registry) handleInventoryStatus(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Ledger == nil {
		return nil, fmt.Errorf("inventory ledger not configured")
	}

	query := stringArg(args, "query")
	sku := stringArg(args, "sku")
	if query == "" && sku == "" {
		return nil, fmt.Errorf("query or sku is required")
	}
	limit := intArg(args, "limit", 5)

	products, err := r.lookupProducts(query, sku, limit)
	if err != nil {
		return nil, err
	}

	if len(products) == 0 {
		return &Outcome{
			Success: true,
			Message: fmt.Sprintf("No products matched %q. Tell the customer we don't carry it and offer to request it from the supplier.", query),
			Data:    map[string]any{"query": query, "products": []any{}},
		}, nil
	}

	var b strings.Builder
	inStock := 0
	items := make([]map[string]any, 0, len(products))
	for _, p := range products {
		fmt.Fprintf(&b, "- %s (%s): $%.2f, stock %d\n", p.Name, p.SKU, float64(p.PriceCents)/100, p.Stock)
		if p.Stock > 0 {
			inStock++
		}
		items = append(items, map[string]any{
			"sku":         p.SKU,
			"name":        p.Name,
			"price_cents": p.PriceCents,
			"stock":       p.Stock,
		})
	}

	out := &Outcome{
		Success: true,
		Message: fmt.Sprintf("Found %d product(s):\n%s", len(products), b.String()),
		Data:    map[string]any{"query": query, "products": items},
	}
	if inStock == 0 && r.opts.HaltOutOfStock {
		out.Message = fmt.Sprintf("All %d matching product(s) are out of stock:\n%s", len(products), b.String())
		out.HaltRoundTrip = true
	}
	return out, nil
}

func (r *Registry) lookupProducts(query, sku string, limit int) ([]productView, error) {
	if sku != "" {
		p, err := r.opts.Ledger.ProductBySKU(sku)
		if err == nil {
			return []productView{{SKU: p.SKU, Name: p.Name, PriceCents: p.PriceCents, Stock: p.Stock}}, nil
		}
	}
	found, err := r.opts.Ledger.FindProducts(query, limit)
	if err != nil {
		return nil, fmt.Errorf("find products: %w", err)
	}
	out := make([]productView, 0, len(found))
	for _, p := range found {
		out = append(out, productView{SKU: p.SKU, Name: p.Name, PriceCents: p.PriceCents, Stock: p.Stock})
	}
	return out, nil
}

type productView struct {
	SKU        string
	Name       string
	PriceCents int64
	Stock      int
}
