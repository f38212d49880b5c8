package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	accountrepo "github.com/LiamHillier/invoice-tracker/internal/account/repository"
	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
	invoicerepo "github.com/LiamHillier/invoice-tracker/internal/invoice/repository"
	"github.com/LiamHillier/invoice-tracker/pkg/ai"
	"github.com/LiamHillier/invoice-tracker/pkg/preprocess"

	"golang.org/x/oauth2"
)

// MailSession is an authorized mailbox connection for one account.
type MailSession interface {
	Search(ctx context.Context, query string, maxResults int64, pageToken string) ([]invoicedomain.MessageStub, string, int64, error)
	FetchFull(ctx context.Context, messageID string) (*invoicedomain.CandidateMessage, error)
	MarkHandled(ctx context.Context, messageID string) error
}

// MailProvider authenticates accounts against the mail provider.
type MailProvider interface {
	Authenticate(ctx context.Context, account *accountdomain.Account, onTokenRefresh func(token *oauth2.Token) error) (MailSession, error)
}

// ExtractionService classifies batches of message text.
type ExtractionService interface {
	ClassifyBatch(ctx context.Context, items []ai.BatchItem) map[string]invoicedomain.ExtractionResult
}

// Options tunes one scan run. Zero values fall back to the orchestrator
// defaults.
type Options struct {
	Query       string
	PageSize    int64
	BatchSize   int
	MaxResults  int
	ForceRescan bool
	// PersistErrors writes terminal fetch failures as error-status invoice
	// rows so repeat scans stop re-surfacing the same poison message.
	PersistErrors bool
}

// Summary is what a scan invocation returns: partial success is the norm,
// so counts are reported even when the scan itself failed.
type Summary struct {
	AccountID string `json:"account_id"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	Error     string `json:"error,omitempty"`
}

var (
	// ErrScanInProgress means another scan currently holds the account.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrAccountNotFound means the account id resolves to nothing.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountInactive means the account exists but is disabled.
	ErrAccountInactive = errors.New("account is inactive")
)

const (
	// Acceptance threshold applied uniformly: below this an extraction is
	// skipped, never recorded.
	confidenceThreshold = 0.45

	fallbackCurrency = "USD"

	// Token budget per message fed to the preprocessor.
	messageTokenBudget = 8000

	// Bounded retries for transient fetch failures.
	fetchRetries = 2

	// Delay between pages, independent of the extraction limiter: the
	// mailbox API has its own rate limits.
	interPageDelay = 500 * time.Millisecond
)

// Orchestrator drives the scan state machine per account: paginate, skip
// processed, batch-extract, persist exactly once, mark handled.
type Orchestrator struct {
	accounts  accountrepo.AccountRepository
	invoices  invoicerepo.InvoiceRepository
	mail      MailProvider
	extractor ExtractionService
	defaults  Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(accounts accountrepo.AccountRepository, invoices invoicerepo.InvoiceRepository, mail MailProvider, extractor ExtractionService, defaults Options) *Orchestrator {
	if defaults.Query == "" {
		defaults.Query = `(invoice OR receipt) newer_than:90d`
	}
	if defaults.PageSize <= 0 {
		defaults.PageSize = 100
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = 5
	}
	if defaults.MaxResults <= 0 {
		defaults.MaxResults = 500
	}
	return &Orchestrator{
		accounts:  accounts,
		invoices:  invoices,
		mail:      mail,
		extractor: extractor,
		defaults:  defaults,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// ScanAccount runs one scan for the account, returning a summary either
// way. The account transitions idle->syncing->idle on success and
// ->error with the message stored on failure.
func (o *Orchestrator) ScanAccount(ctx context.Context, accountID string, opts Options) (*Summary, error) {
	summary := &Summary{AccountID: accountID}
	o.applyDefaults(&opts)

	account, err := o.accounts.FindByID(accountID)
	if err != nil {
		summary.Error = err.Error()
		return summary, err
	}
	if account == nil {
		err := fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		summary.Error = err.Error()
		return summary, err
	}
	if !account.Active {
		err := fmt.Errorf("%w: %s", ErrAccountInactive, accountID)
		summary.Error = err.Error()
		return summary, err
	}

	began, err := o.accounts.TryBeginSync(accountID)
	if err != nil {
		summary.Error = err.Error()
		return summary, err
	}
	if !began {
		err := fmt.Errorf("%w: account %s", ErrScanInProgress, accountID)
		summary.Error = err.Error()
		return summary, err
	}

	log.Printf("[Scan] account %s: starting (query=%q force=%v)", accountID, opts.Query, opts.ForceRescan)

	scanErr := o.scanPages(ctx, account, opts, summary)
	if scanErr != nil {
		summary.Error = scanErr.Error()
		if finishErr := o.accounts.FinishSync(accountID, scanErr.Error()); finishErr != nil {
			log.Printf("[Scan] account %s: failed to record error state: %v", accountID, finishErr)
		}
		log.Printf("[Scan] account %s: failed: %v (processed=%d skipped=%d errors=%d)",
			accountID, scanErr, summary.Processed, summary.Skipped, summary.Errors)
		return summary, scanErr
	}

	if err := o.accounts.FinishSync(accountID, ""); err != nil {
		summary.Error = err.Error()
		return summary, err
	}

	log.Printf("[Scan] account %s: done (processed=%d skipped=%d errors=%d)",
		accountID, summary.Processed, summary.Skipped, summary.Errors)
	return summary, nil
}

// ScanAllDue scans every active account whose last successful sync is
// older than staleness, one goroutine per account. A failing account
// never aborts its siblings; each outcome lands in its own summary.
func (o *Orchestrator) ScanAllDue(ctx context.Context, staleness time.Duration, opts Options) ([]*Summary, error) {
	accounts, err := o.accounts.FindActiveStale(time.Now().Add(-staleness))
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	log.Printf("[Scan] %d account(s) due for scanning", len(accounts))

	summaries := make([]*Summary, len(accounts))
	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, accountID string) {
			defer wg.Done()
			summary, err := o.ScanAccount(ctx, accountID, opts)
			if err != nil {
				log.Printf("[Scan] scheduled scan for account %s failed: %v", accountID, err)
			}
			summaries[i] = summary
		}(i, account.ID)
	}
	wg.Wait()

	return summaries, nil
}

func (o *Orchestrator) applyDefaults(opts *Options) {
	if opts.Query == "" {
		opts.Query = o.defaults.Query
	}
	if opts.PageSize <= 0 {
		opts.PageSize = o.defaults.PageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.defaults.BatchSize
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = o.defaults.MaxResults
	}
}

func (o *Orchestrator) scanPages(ctx context.Context, account *accountdomain.Account, opts Options, summary *Summary) error {
	session, err := o.mail.Authenticate(ctx, account, o.tokenUpdateCallback(account.ID))
	if err != nil {
		return err
	}

	pageToken := ""
	seen := 0
	for {
		stubs, nextToken, _, err := session.Search(ctx, opts.Query, opts.PageSize, pageToken)
		if err != nil {
			return err
		}

		if err := o.processPage(ctx, session, account, stubs, opts, summary); err != nil {
			return err
		}

		seen += len(stubs)
		if nextToken == "" || seen >= opts.MaxResults {
			return nil
		}
		pageToken = nextToken

		// Cooperative cancellation point between pages, plus the mailbox
		// API's own backpressure delay.
		if err := o.sleep(ctx, interPageDelay); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) processPage(ctx context.Context, session MailSession, account *accountdomain.Account, stubs []invoicedomain.MessageStub, opts Options, summary *Summary) error {
	// Skip already-processed messages before spending any fetch calls.
	var pending []invoicedomain.MessageStub
	for _, stub := range stubs {
		if !opts.ForceRescan {
			exists, err := o.invoices.ExistsByMessageID(account.ID, stub.ID)
			if err != nil {
				return err
			}
			if exists {
				summary.Skipped++
				continue
			}
		}
		pending = append(pending, stub)
	}

	// Fetch full content; per-message failures are bookkept, not fatal.
	var fetched []*invoicedomain.CandidateMessage
	for _, stub := range pending {
		msg, err := o.fetchWithRetry(ctx, session, stub.ID)
		if err != nil {
			if errors.Is(err, invoicedomain.ErrAuth) {
				return err
			}
			if errors.Is(err, invoicedomain.ErrMalformedMessage) {
				summary.Skipped++
				continue
			}
			summary.Errors++
			log.Printf("[Scan] account %s: fetch %s failed: %v", account.ID, stub.ID, err)
			if opts.PersistErrors {
				if upsertErr := o.invoices.UpsertError(account.ID, account.UserID, stub.ID, err.Error()); upsertErr != nil {
					return upsertErr
				}
			}
			continue
		}
		fetched = append(fetched, msg)
	}

	// Classify in sub-batches, sequentially: pagination-token ordering and
	// the per-account error list stay causally ordered.
	for start := 0; start < len(fetched); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + opts.BatchSize
		if end > len(fetched) {
			end = len(fetched)
		}
		if err := o.processBatch(ctx, session, account, fetched[start:end], summary); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processBatch(ctx context.Context, session MailSession, account *accountdomain.Account, batch []*invoicedomain.CandidateMessage, summary *Summary) error {
	items := make([]ai.BatchItem, 0, len(batch))
	contents := make(map[string]string, len(batch))
	sources := make(map[string]string, len(batch))
	for _, msg := range batch {
		content, source := buildContent(msg)
		contents[msg.ID] = content
		sources[msg.ID] = source
		items = append(items, ai.BatchItem{ID: msg.ID, Text: content})
	}

	results := o.extractor.ClassifyBatch(ctx, items)

	for _, msg := range batch {
		result, ok := results[msg.ID]
		if !ok {
			result = invoicedomain.ExtractionResult{Error: "no extraction result"}
		}

		if result.Error != "" {
			summary.Errors++
			continue
		}
		if !result.IsInvoice || result.Confidence < confidenceThreshold {
			summary.Skipped++
			continue
		}

		invoice := o.mapResult(account, msg, result, contents[msg.ID], sources[msg.ID])
		if err := o.invoices.Create(invoice); err != nil {
			if errors.Is(err, invoicedomain.ErrDuplicateInvoice) {
				// Another scan got here first; already-processed, not an
				// error.
				summary.Skipped++
				continue
			}
			return err
		}
		summary.Processed++

		if err := session.MarkHandled(ctx, msg.ID); err != nil {
			log.Printf("[Scan] account %s: mark handled %s failed: %v", account.ID, msg.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, session MailSession, messageID string) (*invoicedomain.CandidateMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		msg, err := session.FetchFull(ctx, messageID)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !invoicedomain.IsTransient(err) {
			return nil, err
		}
		if attempt < fetchRetries {
			if sleepErr := o.sleep(ctx, time.Duration(attempt+1)*time.Second); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

// mapResult turns an accepted extraction into the durable invoice record,
// applying the defaulting rules: amount 0 when missing, fallback currency,
// vendor from the sender's local part, date from the message header.
func (o *Orchestrator) mapResult(account *accountdomain.Account, msg *invoicedomain.CandidateMessage, result invoicedomain.ExtractionResult, rawContent, source string) *invoicedomain.Invoice {
	amount := 0.0
	if result.TotalAmount != nil && !math.IsNaN(*result.TotalAmount) {
		amount = *result.TotalAmount
	}

	currency := result.Currency
	if currency == "" {
		currency = fallbackCurrency
	}

	vendor := result.Vendor
	if vendor == "" {
		vendor = senderLocalPart(msg.From)
	}

	invoiceDate := parseDate(result.InvoiceDate)
	if invoiceDate == nil {
		d := msg.Date
		invoiceDate = &d
	}

	if result.Source != "" {
		source = result.Source
	}

	return &invoicedomain.Invoice{
		AccountID:     account.ID,
		MessageID:     msg.ID,
		UserID:        account.UserID,
		ThreadID:      msg.ThreadID,
		Subject:       msg.Subject,
		FromAddr:      msg.From,
		ToAddr:        msg.To,
		InvoiceDate:   invoiceDate,
		DueDate:       parseDate(result.DueDate),
		Amount:        amount,
		Currency:      currency,
		Status:        invoicedomain.StatusProcessed,
		Vendor:        vendor,
		InvoiceNumber: result.InvoiceNumber,
		Categories:    strings.Join(result.Categories, ","),
		Confidence:    result.Confidence,
		Source:        source,
		RawContent:    rawContent,
		ProcessedAt:   time.Now(),
	}
}

func (o *Orchestrator) tokenUpdateCallback(accountID string) func(token *oauth2.Token) error {
	return func(token *oauth2.Token) error {
		return o.accounts.UpdateTokens(accountID, token.AccessToken, token.RefreshToken, token.Expiry)
	}
}

// buildContent assembles the model input: headers, body, and the text of
// any plain-text attachments. Binary attachments (PDFs, images) are left
// out; OCR is out of scope.
func buildContent(msg *invoicedomain.CandidateMessage) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\nFrom: %s\nDate: %s\n\n%s",
		msg.Subject, msg.From, msg.Date.Format("2006-01-02"), msg.Body)

	source := invoicedomain.SourceEmail
	for _, att := range msg.Attachments {
		if strings.HasPrefix(strings.ToLower(att.MimeType), "text/") {
			fmt.Fprintf(&b, "\n\n--- Attachment: %s ---\n", att.Filename)
			b.Write(att.Data)
			source = invoicedomain.SourceCombined
		}
	}

	return preprocess.Normalize(b.String(), messageTokenBudget), source
}

func senderLocalPart(from string) string {
	addr := from
	if start := strings.Index(addr, "<"); start != -1 {
		if end := strings.Index(addr[start:], ">"); end != -1 {
			addr = addr[start+1 : start+end]
		}
	}
	if at := strings.Index(addr, "@"); at != -1 {
		addr = addr[:at]
	}
	return strings.TrimSpace(addr)
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	formats := []string{"2006-01-02", time.RFC3339, "02/01/2006", "01/02/2006"}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}
	return nil
}
