package mailbox

import (
	"encoding/base64"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"

	"mailtriage/utils"
)

// messageFromGmail normalizes a "full" format Gmail message. It never fails:
// missing headers become empty strings and an unusable body falls back to the
// snippet.
func messageFromGmail(msg *gmail.Message) Message {
	m := Message{
		ID:      msg.Id,
		Snippet: msg.Snippet,
	}

	if msg.Payload != nil {
		m.Subject = headerValue(msg.Payload.Headers, "Subject")
		m.Sender = headerValue(msg.Payload.Headers, "From")
		m.DateHeader = headerValue(msg.Payload.Headers, "Date")
	}

	if m.DateHeader != "" {
		if t, err := utils.ParseMailDate(m.DateHeader); err == nil {
			m.ReceivedAt = &t
		}
	}

	m.Body = extractBody(msg.Payload, msg.Snippet)
	return m
}

// headerValue returns the first header named name, compared case-insensitively.
func headerValue(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func extractBody(payload *gmail.MessagePart, snippet string) string {
	part := findPlainPart(payload)
	if part == nil {
		return snippet
	}

	text, ok := decodeBodyData(part.Body.Data)
	if !ok {
		return snippet
	}
	return text
}

// findPlainPart walks the part tree depth-first and returns the first
// text/plain part that carries inline data.
func findPlainPart(part *gmail.MessagePart) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if isPlainText(part.MimeType) && part.Body != nil && part.Body.Data != "" {
		return part
	}
	for _, child := range part.Parts {
		if found := findPlainPart(child); found != nil {
			return found
		}
	}
	return nil
}

func isPlainText(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(mimeType), "text/plain")
	}
	return mediaType == "text/plain"
}

// decodeBodyData decodes Gmail's URL-safe base64, padded or not.
func decodeBodyData(data string) (string, bool) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", false
		}
	}
	return strings.ToValidUTF8(string(decoded), "�"), true
}
