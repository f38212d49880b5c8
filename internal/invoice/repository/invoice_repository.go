package repository

import (
	"errors"
	"time"

	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InvoiceRepository is the persistence contract the scan pipeline needs
// from invoice storage.
type InvoiceRepository interface {
	// Create inserts a new invoice. Returns ErrDuplicateInvoice when the
	// (account, message) pair already exists.
	Create(invoice *invoicedomain.Invoice) error
	ExistsByMessageID(accountID, messageID string) (bool, error)
	FindByMessageID(accountID, messageID string) (*invoicedomain.Invoice, error)
	ListByAccount(accountID string) ([]*invoicedomain.Invoice, error)
	// UpsertError records a terminal per-message failure as an error-status
	// row keyed by message id, so repeated scans stop re-surfacing the same
	// poison message. Idempotent under retries.
	UpsertError(accountID, userID, messageID, errMsg string) error
}

// invoiceRepository implements InvoiceRepository interface
type invoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new instance of invoiceRepository
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{
		db: db,
	}
}

func (r *invoiceRepository) Create(invoice *invoicedomain.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.New().String()
	}
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = time.Now()
	err := r.db.Create(invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return invoicedomain.ErrDuplicateInvoice
		}
		return err
	}
	return nil
}

func (r *invoiceRepository) ExistsByMessageID(accountID, messageID string) (bool, error) {
	var count int64
	err := r.db.Model(&invoicedomain.Invoice{}).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *invoiceRepository) FindByMessageID(accountID, messageID string) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := r.db.Where("account_id = ? AND message_id = ?", accountID, messageID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) ListByAccount(accountID string) ([]*invoicedomain.Invoice, error) {
	var invoices []*invoicedomain.Invoice
	err := r.db.Where("account_id = ?", accountID).Order("processed_at DESC").Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *invoiceRepository) UpsertError(accountID, userID, messageID, errMsg string) error {
	var invoice invoicedomain.Invoice
	err := r.db.Where("account_id = ? AND message_id = ?", accountID, messageID).First(&invoice).Error

	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		invoice = invoicedomain.Invoice{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			MessageID:    messageID,
			UserID:       userID,
			Status:       invoicedomain.StatusError,
			ErrorMessage: errMsg,
			ProcessedAt:  now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if createErr := r.db.Create(&invoice).Error; createErr != nil {
			// A concurrent scan may have written the row between the read
			// and the insert; that still satisfies the upsert contract.
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return nil
			}
			return createErr
		}
		return nil
	} else if err != nil {
		return err
	}

	// Never overwrite a successfully processed invoice with an error row.
	if invoice.Status != invoicedomain.StatusError {
		return nil
	}
	invoice.ErrorMessage = errMsg
	invoice.ProcessedAt = now
	invoice.UpdatedAt = now
	return r.db.Save(&invoice).Error
}
