package email

import (
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// PreviewLength is the maximum number of characters kept from the text body.
const PreviewLength = 150

var tagPattern = regexp.MustCompile(`<[^>]*>`)

type parsedMessage struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	Preview   string
}

// parseMessage reads the headers and the first text part of a raw RFC 5322
// message. Unknown charsets are tolerated.
func parseMessage(r io.Reader) (*parsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	if mr == nil {
		return nil, err
	}
	defer mr.Close()

	p := &parsedMessage{}
	if id, err := mr.Header.MessageID(); err == nil {
		p.MessageID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		p.Subject = subject
	} else {
		p.Subject = mr.Header.Get("Subject")
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.From = formatAddress(from[0].Name, from[0].Address)
	} else {
		p.From = mr.Header.Get("From")
	}
	if date, err := mr.Header.Date(); err == nil {
		p.Date = date
	}

	var plain, html string
	for plain == "" {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		switch contentType {
		case "text/plain", "":
			body, _ := io.ReadAll(part.Body)
			plain = string(body)
		case "text/html":
			if html == "" {
				body, _ := io.ReadAll(part.Body)
				html = tagPattern.ReplaceAllString(string(body), " ")
			}
		}
	}

	if plain == "" {
		plain = html
	}
	p.Preview = preview(plain)
	return p, nil
}

// preview collapses whitespace and keeps the first PreviewLength characters.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	if address == "" {
		return name
	}
	return name + " <" + address + ">"
}

func normalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
