package delivery

import (
	"net/http"
	"time"

	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	accountrepo "github.com/LiamHillier/invoice-tracker/internal/account/repository"
	invoicerepo "github.com/LiamHillier/invoice-tracker/internal/invoice/repository"

	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	accounts accountrepo.AccountRepository
	invoices invoicerepo.InvoiceRepository
}

func NewAccountHandler(accounts accountrepo.AccountRepository, invoices invoicerepo.InvoiceRepository) *AccountHandler {
	return &AccountHandler{accounts: accounts, invoices: invoices}
}

type createAccountRequest struct {
	UserID       string    `json:"userId" binding:"required"`
	Email        string    `json:"email" binding:"required"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken" binding:"required"`
	TokenExpiry  time.Time `json:"tokenExpiry"`
}

// CreateAccount registers a mailbox account with an OAuth token pair
// obtained out of band. The refresh token is required: scans are
// long-lived background work and access tokens alone expire under them.
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &accountdomain.Account{
		UserID:       req.UserID,
		Email:        req.Email,
		Provider:     "google",
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.TokenExpiry,
		Active:       true,
	}
	if err := h.accounts.Create(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// ListAccounts returns the accounts registered for a user.
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	userID := c.Query("userID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userID query parameter is required"})
		return
	}

	accounts, err := h.accounts.FindByUserID(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// ListInvoices returns the invoices extracted for an account, newest
// first.
func (h *AccountHandler) ListInvoices(c *gin.Context) {
	accountID := c.Param("accountID")

	account, err := h.accounts.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	invoices, err := h.invoices.ListByAccount(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}
