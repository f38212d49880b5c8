package domain

import "time"

// Invoice status values.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusError     = "error"
	StatusDuplicate = "duplicate"
)

// Extraction provenance values.
const (
	SourceEmail      = "email"
	SourceAttachment = "attachment"
	SourceCombined   = "combined"
)

// Invoice is the durable record produced by a scan. The composite unique
// index on (account_id, message_id) is the at-most-once guarantee: a
// message can never be billed twice no matter how many scans see it.
type Invoice struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	AccountID     string     `json:"account_id" gorm:"uniqueIndex:idx_account_message"`
	MessageID     string     `json:"message_id" gorm:"uniqueIndex:idx_account_message"`
	UserID        string     `json:"user_id" gorm:"index"`
	ThreadID      string     `json:"thread_id"`
	Subject       string     `json:"subject"`
	FromAddr      string     `json:"from"`
	ToAddr        string     `json:"to"`
	InvoiceDate   *time.Time `json:"invoice_date,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoice_number"`
	Categories    string     `json:"categories"` // comma separated
	Confidence    float64    `json:"confidence"`
	Source        string     `json:"source"`
	RawContent    string     `json:"-"` // kept for reprocessing and audit
	ProcessedAt   time.Time  `json:"processed_at"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
