package delivery

import (
	"errors"
	"net/http"
	"time"

	accountrepo "github.com/LiamHillier/invoice-tracker/internal/account/repository"
	invoicerepo "github.com/LiamHillier/invoice-tracker/internal/invoice/repository"
	scanUsecase "github.com/LiamHillier/invoice-tracker/internal/scan/usecase"

	"github.com/gin-gonic/gin"
)

type ScanHandler struct {
	orchestrator *scanUsecase.Orchestrator
	accounts     accountrepo.AccountRepository
	invoices     invoicerepo.InvoiceRepository
	staleAfter   time.Duration
}

func NewScanHandler(orchestrator *scanUsecase.Orchestrator, accounts accountrepo.AccountRepository, invoices invoicerepo.InvoiceRepository, staleAfter time.Duration) *ScanHandler {
	return &ScanHandler{
		orchestrator: orchestrator,
		accounts:     accounts,
		invoices:     invoices,
		staleAfter:   staleAfter,
	}
}

type triggerScanRequest struct {
	Query       string `json:"query"`
	BatchSize   int    `json:"batchSize"`
	MaxResults  int    `json:"maxResults"`
	ForceRescan bool   `json:"forceRescan"`
}

// TriggerScan runs a scan for one account synchronously and returns its
// summary. A 409 means a scan already holds the account.
func (h *ScanHandler) TriggerScan(c *gin.Context) {
	accountID := c.Param("accountID")

	var req triggerScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	summary, err := h.orchestrator.ScanAccount(c.Request.Context(), accountID, scanUsecase.Options{
		Query:         req.Query,
		BatchSize:     req.BatchSize,
		MaxResults:    req.MaxResults,
		ForceRescan:   req.ForceRescan,
		PersistErrors: true,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, scanUsecase.ErrScanInProgress):
			status = http.StatusConflict
		case errors.Is(err, scanUsecase.ErrAccountNotFound):
			status = http.StatusNotFound
		case errors.Is(err, scanUsecase.ErrAccountInactive):
			status = http.StatusUnprocessableEntity
		}
		// Partial progress still gets reported: the summary carries the
		// counts plus the failure message.
		c.JSON(status, summary)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// RunDue scans every active account whose last sync is older than the
// staleness window, same as the scheduler does on its cadence.
func (h *ScanHandler) RunDue(c *gin.Context) {
	summaries, err := h.orchestrator.ScanAllDue(c.Request.Context(), h.staleAfter, scanUsecase.Options{
		PersistErrors: true,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": len(summaries), "summaries": summaries})
}

// ScanStatus reports the account's sync state plus invoice counts.
func (h *ScanHandler) ScanStatus(c *gin.Context) {
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

	counts := map[string]int{}
	for _, inv := range invoices {
		counts[inv.Status]++
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":     account.ID,
		"sync_status":    account.SyncStatus,
		"last_synced_at": account.LastSyncedAt,
		"sync_error":     account.SyncError,
		"invoice_counts": counts,
	})
}
