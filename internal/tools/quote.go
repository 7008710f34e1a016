package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/mgalvez/vera-agent/internal/ledger"
)

func (r *Registry) registerQuote() {
	r.Register(&Tool{
		Name:        "generate_quote",
		Description: "Generate a formal price quote for one or more products. Use when the customer asks for a quote, a cotización, or a written price.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{
					"type":        "array",
					"description": "Products to quote",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"sku": map[string]any{
								"type":        "string",
								"description": "Product SKU from get_inventory_status",
							},
							"quantity": map[string]any{
								"type":        "integer",
								"description": "Units requested (default 1)",
							},
						},
						"required": []string{"sku"},
					},
				},
				"customer": map[string]any{
					"type":        "string",
					"description": "Customer name for the quote header, if given",
				},
			},
			"required": []string{"items"},
		},
		Handler: r.handleGenerateQuote,
	})
}

func (r *Registry) handleGenerateQuote(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Ledger == nil {
		return nil, fmt.Errorf("inventory ledger not configured")
	}

	rawItems, ok := args["items"].([]any)
	if !ok || len(rawItems) == 0 {
		return nil, fmt.Errorf("items is required")
	}

	var lines []ledger.QuoteLine
	for _, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sku := stringArg(item, "sku")
		if sku == "" {
			continue
		}
		qty := intArg(item, "quantity", 1)
		if qty < 1 {
			qty = 1
		}
		p, err := r.opts.Ledger.ProductBySKU(sku)
		if err != nil {
			return &Outcome{
				Success: false,
				Message: fmt.Sprintf("Unknown SKU %q. Run get_inventory_status first and use the SKUs it returns.", sku),
			}, nil
		}
		lines = append(lines, ledger.QuoteLine{
			SKU:        p.SKU,
			Name:       p.Name,
			Quantity:   qty,
			PriceCents: p.PriceCents,
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no valid items in quote")
	}

	sessionID := stringArg(args, "session_id")
	q, err := r.opts.Ledger.CreateQuote(ledger.Quote{
		SessionID: sessionID,
		Customer:  stringArg(args, "customer"),
		Lines:     lines,
	})
	if err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}

	var b strings.Builder
	for _, l := range q.Lines {
		fmt.Fprintf(&b, "- %dx %s: $%.2f\n", l.Quantity, l.Name, float64(l.PriceCents*int64(l.Quantity))/100)
	}
	fmt.Fprintf(&b, "Total: $%.2f", float64(q.TotalCents)/100)

	data := map[string]any{
		"quote_id":    q.ID,
		"customer":    q.Customer,
		"lines":       q.Lines,
		"total_cents": q.TotalCents,
		"created_at":  q.CreatedAt,
	}
	if png, err := qrcode.Encode(quoteQRPayload(q), qrcode.Medium, 256); err != nil {
		slog.Warn("quote QR generation failed", "quote_id", q.ID, "error", err)
	} else {
		data["qr_png_base64"] = base64.StdEncoding.EncodeToString(png)
	}

	return &Outcome{
		Success: true,
		Message: fmt.Sprintf("Quote %s generated:\n%s", q.ID, b.String()),
		Data:    data,
	}, nil
}

// quoteQRPayload encodes the quote reference the customer scans at the
// counter to pull the quote up.
func quoteQRPayload(q *ledger.Quote) string {
	return fmt.Sprintf("vera:quote:%s:%d", q.ID, q.TotalCents)
}
