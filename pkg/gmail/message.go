package gmail

import (
	"encoding/base64"
	"path"
	"strings"
	"time"

	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
	"github.com/LiamHillier/invoice-tracker/pkg/preprocess"

	"google.golang.org/api/gmail/v1"
)

const maxAttachmentSize = 5 * 1024 * 1024

// Attachment types worth extracting from: documents, spreadsheets and
// images of invoices.
var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"image/jpeg": true,
	"image/png":  true,
}

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

func convertMessage(msg *gmail.Message) *invoicedomain.CandidateMessage {
	return &invoicedomain.CandidateMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Subject:  getHeader(msg.Payload.Headers, "Subject"),
		From:     getHeader(msg.Payload.Headers, "From"),
		To:       getHeader(msg.Payload.Headers, "To"),
		Date:     time.Unix(msg.InternalDate/1000, 0),
		Body:     extractBody(msg.Payload, getHeader(msg.Payload.Headers, "Subject")),
	}
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// extractBody walks the MIME tree with an explicit worklist (nesting depth
// is attacker-controlled) and picks the best text representation: first
// plain-text part, else first HTML part converted to text, else the raw
// payload body, else the subject line.
func extractBody(payload *gmail.MessagePart, subject string) string {
	var plainBody, htmlBody string

	queue := []*gmail.MessagePart{payload}
	for len(queue) > 0 {
		part := queue[0]
		queue = queue[1:]
		if part == nil {
			continue
		}

		if part.Body != nil && part.Body.Data != "" {
			switch part.MimeType {
			case "text/plain":
				if plainBody == "" {
					if data, err := decodeBase64URL(part.Body.Data); err == nil {
						plainBody = string(data)
					}
				}
			case "text/html":
				if htmlBody == "" {
					if data, err := decodeBase64URL(part.Body.Data); err == nil {
						htmlBody = string(data)
					}
				}
			}
		}

		queue = append(queue, part.Parts...)
	}

	if plainBody != "" {
		return plainBody
	}
	if htmlBody != "" {
		return preprocess.StripHTML(htmlBody)
	}
	if payload.Body != nil && payload.Body.Data != "" {
		if data, err := decodeBase64URL(payload.Body.Data); err == nil && len(data) > 0 {
			return string(data)
		}
	}
	return subject
}

// attachmentParts enumerates parts carrying a filename and attachment id,
// filtered by the allow-list and size ceiling. Iterative for the same
// reason as extractBody.
func attachmentParts(payload *gmail.MessagePart) []*gmail.MessagePart {
	var parts []*gmail.MessagePart

	queue := []*gmail.MessagePart{payload}
	for len(queue) > 0 {
		part := queue[0]
		queue = queue[1:]
		if part == nil {
			continue
		}

		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" &&
			part.Body.Size <= maxAttachmentSize && isAllowedAttachment(part) {
			parts = append(parts, part)
		}

		queue = append(queue, part.Parts...)
	}

	return parts
}

func isAllowedAttachment(part *gmail.MessagePart) bool {
	if allowedMimeTypes[strings.ToLower(part.MimeType)] {
		return true
	}
	return allowedExtensions[strings.ToLower(path.Ext(part.Filename))]
}

func decodeBase64URL(data string) ([]byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err == nil {
		return decoded, nil
	}
	// Some payloads arrive without padding.
	return base64.RawURLEncoding.DecodeString(data)
}
