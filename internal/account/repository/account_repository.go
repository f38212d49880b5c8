package repository

import (
	"errors"
	"time"

	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountRepository is the persistence contract the scan pipeline needs
// from account storage.
type AccountRepository interface {
	Create(account *accountdomain.Account) error
	FindByID(id string) (*accountdomain.Account, error)
	FindByUserID(userID string) ([]*accountdomain.Account, error)
	// FindActiveStale lists active accounts whose last sync is null or
	// older than the given instant, i.e. accounts due for a scheduled scan.
	FindActiveStale(olderThan time.Time) ([]*accountdomain.Account, error)
	UpdateTokens(id, accessToken, refreshToken string, expiry time.Time) error
	// TryBeginSync transitions the account to "syncing" only if it is not
	// already syncing. Returns false when another scan holds the account.
	TryBeginSync(id string) (bool, error)
	// FinishSync stamps the terminal state of a scan: idle + last_synced_at
	// on success, error + message on failure.
	FinishSync(id string, syncErr string) error
}

// accountRepository implements AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) Create(account *accountdomain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.SyncStatus == "" {
		account.SyncStatus = accountdomain.SyncStatusIdle
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	return r.db.Create(account).Error
}

func (r *accountRepository) FindByID(id string) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByUserID(userID string) ([]*accountdomain.Account, error) {
	var accounts []*accountdomain.Account
	err := r.db.Where("user_id = ?", userID).Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) FindActiveStale(olderThan time.Time) ([]*accountdomain.Account, error) {
	var accounts []*accountdomain.Account
	err := r.db.
		Where("active = ?", true).
		Where("last_synced_at IS NULL OR last_synced_at < ?", olderThan).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) UpdateTokens(id, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"token_expiry": expiry,
		"updated_at":   time.Now(),
	}
	// A refresh response may omit the refresh token; keep the old one then.
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.Model(&accountdomain.Account{}).Where("id = ?", id).Updates(updates).Error
}

func (r *accountRepository) TryBeginSync(id string) (bool, error) {
	// Conditional update so two concurrent triggers can't both win: only
	// one UPDATE matches the non-syncing row.
	result := r.db.Model(&accountdomain.Account{}).
		Where("id = ? AND sync_status <> ?", id, accountdomain.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status": accountdomain.SyncStatusSyncing,
			"sync_error":  "",
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *accountRepository) FinishSync(id string, syncErr string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"updated_at": now,
	}
	if syncErr == "" {
		updates["sync_status"] = accountdomain.SyncStatusIdle
		updates["last_synced_at"] = now
	} else {
		updates["sync_status"] = accountdomain.SyncStatusError
		updates["sync_error"] = syncErr
	}
	return r.db.Model(&accountdomain.Account{}).Where("id = ?", id).Updates(updates).Error
}
