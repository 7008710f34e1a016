// Package notify delivers outbound email to the development team.
// Bodies are written in markdown and sent as multipart/alternative
// with both plain text and rendered HTML parts.
package notify

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// compose builds a complete RFC 5322 MIME message.
func compose(from string, to []string, subject, markdown string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{sender})

	recipients := make([]*mail.Address, 0, len(to))
	for _, a := range to {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		recipients = append(recipients, parsed)
	}
	h.SetAddressList("To", recipients)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain part: %w", err)
	}
	if _, err := io.WriteString(pw, markdownToPlain(markdown)); err != nil {
		return nil, fmt.Errorf("write plain part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain part: %w", err)
	}

	html, err := markdownToHTML(markdown)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, html); err != nil {
		return nil, fmt.Errorf("write html part: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// markdownToHTML renders markdown into a self-contained HTML document
// with no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCode    = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips markdown formatting for the text/plain part.
func markdownToPlain(md string) string {
	s := mdHeading.ReplaceAllString(md, "")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdCode.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s) + "\n"
}
