package domain

import "time"

// MessageStub is a lightweight search hit: enough to decide whether the
// message needs fetching at all.
type MessageStub struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

// Attachment holds one decoded attachment accepted by the allow-list.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// CandidateMessage is the transient full representation of one mailbox
// message. It lives only for the extraction round-trip and is never
// persisted as-is.
type CandidateMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Date        time.Time    `json:"date"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ExtractionResult is the normalized output of the extraction layer.
// Field aliases in provider responses (receiptNumber vs invoiceNumber and
// friends) are resolved at the parsing boundary so nothing downstream has
// to care.
type ExtractionResult struct {
	Vendor        string   `json:"vendor,omitempty"`
	InvoiceNumber string   `json:"invoice_number,omitempty"`
	InvoiceDate   string   `json:"invoice_date,omitempty"` // YYYY-MM-DD
	DueDate       string   `json:"due_date,omitempty"`
	TotalAmount   *float64 `json:"total_amount,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	IsInvoice     bool     `json:"is_invoice"`
	Confidence    float64  `json:"confidence"`
	Categories    []string `json:"categories,omitempty"`
	Source        string   `json:"source,omitempty"`
	Error         string   `json:"error,omitempty"`
}
