package email

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// subjectLimit caps subjects derived from the body
const subjectLimit = 78

// BuildMessage renders an item as a plain text RFC 5322 message
func BuildMessage(from, to *mail.Address, item dispatch.Item, now time.Time) ([]byte, error) {
	var body strings.Builder
	body.WriteString(strings.TrimSpace(item.Body))
	if item.MediaURL != "" {
		body.WriteString("\n\n" + item.MediaURL)
	}
	if item.TargetURL != "" {
		body.WriteString("\n\n" + item.TargetURL)
	}

	domain := "localhost"
	if at := strings.LastIndex(from.Address, "@"); at >= 0 && at < len(from.Address)-1 {
		domain = from.Address[at+1:]
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", Subject(item)))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domain))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(strings.ReplaceAll(body.String(), "\n", "\r\n"))); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

// Subject returns the item title, or the first body line when untitled
func Subject(item dispatch.Item) string {
	s := strings.TrimSpace(item.Title)
	if s == "" {
		s, _, _ = strings.Cut(strings.TrimSpace(item.Body), "\n")
		s = strings.TrimSpace(s)
	}
	if r := []rune(s); len(r) > subjectLimit {
		s = string(r[:subjectLimit-3]) + "..."
	}
	return s
}
