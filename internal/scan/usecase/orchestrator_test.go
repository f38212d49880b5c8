package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
	"github.com/LiamHillier/invoice-tracker/pkg/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*accountdomain.Account
}

func newFakeAccounts(accounts ...*accountdomain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: map[string]*accountdomain.Account{}}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) Create(a *accountdomain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeAccounts) FindByID(id string) (*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccounts) FindByUserID(userID string) ([]*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*accountdomain.Account
	for _, a := range f.accounts {
		if a.UserID == userID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeAccounts) FindActiveStale(olderThan time.Time) ([]*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*accountdomain.Account
	for _, a := range f.accounts {
		if a.Active && (a.LastSyncedAt == nil || a.LastSyncedAt.Before(olderThan)) {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateTokens(id, accessToken, refreshToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.AccessToken = accessToken
		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
		a.TokenExpiry = expiry
	}
	return nil
}

func (f *fakeAccounts) TryBeginSync(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.SyncStatus == accountdomain.SyncStatusSyncing {
		return false, nil
	}
	a.SyncStatus = accountdomain.SyncStatusSyncing
	a.SyncError = ""
	return true, nil
}

func (f *fakeAccounts) FinishSync(id string, syncErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil
	}
	if syncErr == "" {
		a.SyncStatus = accountdomain.SyncStatusIdle
		now := time.Now()
		a.LastSyncedAt = &now
	} else {
		a.SyncStatus = accountdomain.SyncStatusError
		a.SyncError = syncErr
	}
	return nil
}

type fakeInvoices struct {
	mu         sync.Mutex
	rows       map[string]*invoicedomain.Invoice
	createErr  error
	upsertLog  []string
	createdIDs []string
}

func newFakeInvoices() *fakeInvoices {
	return &fakeInvoices{rows: map[string]*invoicedomain.Invoice{}}
}

func invoiceKey(accountID, messageID string) string {
	return accountID + "/" + messageID
}

func (f *fakeInvoices) Create(inv *invoicedomain.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	key := invoiceKey(inv.AccountID, inv.MessageID)
	if _, exists := f.rows[key]; exists {
		return invoicedomain.ErrDuplicateInvoice
	}
	f.rows[key] = inv
	f.createdIDs = append(f.createdIDs, inv.MessageID)
	return nil
}

func (f *fakeInvoices) ExistsByMessageID(accountID, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[invoiceKey(accountID, messageID)]
	return ok, nil
}

func (f *fakeInvoices) FindByMessageID(accountID, messageID string) (*invoicedomain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.rows[invoiceKey(accountID, messageID)]
	if !ok {
		return nil, nil
	}
	return inv, nil
}

func (f *fakeInvoices) ListByAccount(accountID string) ([]*invoicedomain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*invoicedomain.Invoice
	for _, inv := range f.rows {
		if inv.AccountID == accountID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeInvoices) UpsertError(accountID, userID, messageID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertLog = append(f.upsertLog, messageID)
	key := invoiceKey(accountID, messageID)
	if existing, ok := f.rows[key]; ok {
		if existing.Status == invoicedomain.StatusError {
			existing.ErrorMessage = errMsg
		}
		return nil
	}
	f.rows[key] = &invoicedomain.Invoice{
		AccountID:    accountID,
		MessageID:    messageID,
		UserID:       userID,
		Status:       invoicedomain.StatusError,
		ErrorMessage: errMsg,
	}
	return nil
}

type fakeSession struct {
	mu        sync.Mutex
	pages     [][]invoicedomain.MessageStub
	messages  map[string]*invoicedomain.CandidateMessage
	fetchErrs map[string]error
	fetched   []string
	marked    []string
}

func (s *fakeSession) Search(_ context.Context, _ string, _ int64, pageToken string) ([]invoicedomain.MessageStub, string, int64, error) {
	page := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &page)
	}
	if page >= len(s.pages) {
		return nil, "", 0, nil
	}
	next := ""
	if page+1 < len(s.pages) {
		next = fmt.Sprintf("page-%d", page+1)
	}
	return s.pages[page], next, int64(len(s.pages[page])), nil
}

func (s *fakeSession) FetchFull(_ context.Context, messageID string) (*invoicedomain.CandidateMessage, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, messageID)
	s.mu.Unlock()
	if err, ok := s.fetchErrs[messageID]; ok {
		return nil, err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message %s", invoicedomain.ErrMalformedMessage, messageID)
	}
	return msg, nil
}

func (s *fakeSession) MarkHandled(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, messageID)
	return nil
}

type fakeMailProvider struct {
	session *fakeSession
	authErr error
}

func (p *fakeMailProvider) Authenticate(_ context.Context, _ *accountdomain.Account, _ func(*oauth2.Token) error) (MailSession, error) {
	if p.authErr != nil {
		return nil, p.authErr
	}
	return p.session, nil
}

// fakeExtractor returns canned results by item id; unknown ids get the
// non-invoice default.
type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]invoicedomain.ExtractionResult
	batches [][]string
}

func (e *fakeExtractor) ClassifyBatch(_ context.Context, items []ai.BatchItem) map[string]invoicedomain.ExtractionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(items))
	out := make(map[string]invoicedomain.ExtractionResult, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
		out[item.ID] = e.results[item.ID]
	}
	e.batches = append(e.batches, ids)
	return out
}

func message(id, from, subject string) *invoicedomain.CandidateMessage {
	return &invoicedomain.CandidateMessage{
		ID:      id,
		Subject: subject,
		From:    from,
		Date:    time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC),
		Body:    "Please find your " + subject + " attached. Total due $25.00.",
	}
}

func amount(v float64) *float64 { return &v }

func testAccount() *accountdomain.Account {
	return &accountdomain.Account{
		ID:           "acc-1",
		UserID:       "u1",
		Email:        "user@example.com",
		RefreshToken: "rt",
		Active:       true,
		SyncStatus:   accountdomain.SyncStatusIdle,
	}
}

func newTestOrchestrator(accounts *fakeAccounts, invoices *fakeInvoices, session *fakeSession, extractor *fakeExtractor) *Orchestrator {
	o := NewOrchestrator(accounts, invoices, &fakeMailProvider{session: session}, extractor, Options{})
	o.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return o
}

// Scenario: three candidates, one already recorded, one genuine invoice,
// one non-invoice.
func TestScanAccountMixedPage(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	require.NoError(t, invoices.Create(&invoicedomain.Invoice{AccountID: "acc-1", MessageID: "m1", Status: invoicedomain.StatusProcessed}))

	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m2": message("m2", "Acme Billing <billing@acme.com>", "Invoice INV-42"),
			"m3": message("m3", "news@letters.com", "Weekly digest"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m2": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(25), Currency: "USD", Vendor: "Acme"},
		"m3": {IsInvoice: false, Confidence: 0.1},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)

	assert.NotContains(t, session.fetched, "m1", "recorded message must not be fetched again")
	assert.Equal(t, []string{"m2"}, invoices.createdIDs)
	assert.Equal(t, []string{"m2"}, session.marked)

	inv, _ := invoices.FindByMessageID("acc-1", "m2")
	require.NotNil(t, inv)
	assert.Equal(t, 25.0, inv.Amount)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, "Acme", inv.Vendor)
	assert.Equal(t, invoicedomain.StatusProcessed, inv.Status)

	account, _ := accounts.FindByID("acc-1")
	assert.Equal(t, accountdomain.SyncStatusIdle, account.SyncStatus)
	assert.NotNil(t, account.LastSyncedAt)
}

// Scenario: forceRescan re-fetches a recorded message; the duplicate
// constraint turns the re-creation into a skip, not an error.
func TestScanAccountForceRescanDuplicateIsSkipped(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	require.NoError(t, invoices.Create(&invoicedomain.Invoice{AccountID: "acc-1", MessageID: "m1", Status: invoicedomain.StatusProcessed}))

	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice INV-1"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(10), Currency: "USD"},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{ForceRescan: true})

	require.NoError(t, err)
	assert.Contains(t, session.fetched, "m1")
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
}

func TestScanAccountIdempotent(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}, {ID: "m2"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice A"),
			"m2": message("m2", "billing@acme.com", "Invoice B"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(1)},
		"m2": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(2)},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)

	first, err := orch.ScanAccount(context.Background(), "acc-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed)

	second, err := orch.ScanAccount(context.Background(), "acc-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 2, second.Skipped)
	assert.Len(t, invoices.createdIDs, 2, "second scan must create nothing")
}

func TestScanAccountThresholdAndDefaulting(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "low"}, {ID: "bare"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"low":  message("low", "billing@acme.com", "Maybe invoice"),
			"bare": message("bare", "Acme Billing <billing@acme.com>", "Invoice, no details"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		// Just under the acceptance threshold.
		"low": {IsInvoice: true, Confidence: 0.44, TotalAmount: amount(99)},
		// Accepted but with every optional field missing.
		"bare": {IsInvoice: true, Confidence: 0.9},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)

	inv, _ := invoices.FindByMessageID("acc-1", "bare")
	require.NotNil(t, inv)
	assert.Equal(t, 0.0, inv.Amount, "missing amount defaults to zero")
	assert.Equal(t, "USD", inv.Currency, "missing currency defaults")
	assert.Equal(t, "billing", inv.Vendor, "vendor falls back to sender local part")
	require.NotNil(t, inv.InvoiceDate)
	assert.Equal(t, time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC), inv.InvoiceDate.UTC(), "date falls back to the message header")
}

func TestScanAccountExtractionErrorCounted(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {Error: "response was not valid JSON"},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	require.NoError(t, err, "extraction failures degrade, they do not abort")
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, invoices.createdIDs)
}

func TestScanAccountFetchFailureBookkept(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "poison"}, {ID: "good"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"good": message("good", "billing@acme.com", "Invoice"),
		},
		fetchErrs: map[string]error{
			"poison": fmt.Errorf("%w: 503", invoicedomain.ErrTransientProvider),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"good": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(5)},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{PersistErrors: true})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Errors)
	assert.Contains(t, invoices.upsertLog, "poison", "terminal fetch failure recorded per message")

	// Transient failures get the bounded retries before giving up.
	retries := 0
	for _, id := range session.fetched {
		if id == "poison" {
			retries++
		}
	}
	assert.Equal(t, fetchRetries+1, retries)
}

func TestScanAccountMalformedMessageSkipped(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages:    [][]invoicedomain.MessageStub{{{ID: "broken"}}},
		messages: map[string]*invoicedomain.CandidateMessage{},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
	assert.Len(t, session.fetched, 1, "malformed messages are never retried")
}

func TestScanAccountAuthFailureSetsErrorState(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	extractor := &fakeExtractor{}

	o := NewOrchestrator(accounts, invoices, &fakeMailProvider{authErr: fmt.Errorf("%w: refresh token revoked", invoicedomain.ErrAuth)}, extractor, Options{})

	summary, err := o.ScanAccount(context.Background(), "acc-1", Options{})

	require.Error(t, err)
	assert.ErrorIs(t, err, invoicedomain.ErrAuth)
	assert.NotEmpty(t, summary.Error)

	account, _ := accounts.FindByID("acc-1")
	assert.Equal(t, accountdomain.SyncStatusError, account.SyncStatus)
	assert.Contains(t, account.SyncError, "refresh token revoked")
}

func TestScanAccountPersistenceFailureAborts(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	invoices.createErr = errors.New("store unavailable")

	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {IsInvoice: true, Confidence: 0.9, TotalAmount: amount(5)},
	}}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	_, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	require.Error(t, err)
	account, _ := accounts.FindByID("acc-1")
	assert.Equal(t, accountdomain.SyncStatusError, account.SyncStatus)
}

func TestScanAccountRejectsConcurrentScan(t *testing.T) {
	account := testAccount()
	account.SyncStatus = accountdomain.SyncStatusSyncing
	accounts := newFakeAccounts(account)

	orch := newTestOrchestrator(accounts, newFakeInvoices(), &fakeSession{}, &fakeExtractor{})
	_, err := orch.ScanAccount(context.Background(), "acc-1", Options{})

	assert.ErrorIs(t, err, ErrScanInProgress)
}

func TestScanAccountUnknownAndInactive(t *testing.T) {
	inactive := testAccount()
	inactive.ID = "acc-2"
	inactive.Active = false
	accounts := newFakeAccounts(inactive)

	orch := newTestOrchestrator(accounts, newFakeInvoices(), &fakeSession{}, &fakeExtractor{})

	_, err := orch.ScanAccount(context.Background(), "missing", Options{})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = orch.ScanAccount(context.Background(), "acc-2", Options{})
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestScanAccountPaginatesAndBatches(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()

	var stubs1, stubs2 []invoicedomain.MessageStub
	messages := map[string]*invoicedomain.CandidateMessage{}
	results := map[string]invoicedomain.ExtractionResult{}
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("m%d", i)
		if i < 4 {
			stubs1 = append(stubs1, invoicedomain.MessageStub{ID: id})
		} else {
			stubs2 = append(stubs2, invoicedomain.MessageStub{ID: id})
		}
		messages[id] = message(id, "billing@acme.com", "Invoice "+id)
		results[id] = invoicedomain.ExtractionResult{IsInvoice: true, Confidence: 0.9, TotalAmount: amount(float64(i))}
	}

	session := &fakeSession{pages: [][]invoicedomain.MessageStub{stubs1, stubs2}, messages: messages}
	extractor := &fakeExtractor{results: results}

	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{BatchSize: 3})

	require.NoError(t, err)
	assert.Equal(t, 7, summary.Processed)
	// Page one (4 msgs) splits 3+1, page two (3 msgs) goes whole.
	require.Len(t, extractor.batches, 3)
	assert.Len(t, extractor.batches[0], 3)
	assert.Len(t, extractor.batches[1], 1)
	assert.Len(t, extractor.batches[2], 3)
}

func TestScanAccountHonorsMaxResults(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()

	messages := map[string]*invoicedomain.CandidateMessage{}
	results := map[string]invoicedomain.ExtractionResult{}
	var pages [][]invoicedomain.MessageStub
	for p := 0; p < 3; p++ {
		var page []invoicedomain.MessageStub
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("p%dm%d", p, i)
			page = append(page, invoicedomain.MessageStub{ID: id})
			messages[id] = message(id, "billing@acme.com", "Invoice")
			results[id] = invoicedomain.ExtractionResult{IsInvoice: true, Confidence: 0.9}
		}
		pages = append(pages, page)
	}

	session := &fakeSession{pages: pages, messages: messages}
	orch := newTestOrchestrator(accounts, invoices, session, &fakeExtractor{results: results})

	summary, err := orch.ScanAccount(context.Background(), "acc-1", Options{MaxResults: 3})

	require.NoError(t, err)
	// The cap stops pagination after the page that crosses it.
	assert.Equal(t, 4, summary.Processed)
}

func TestScanAllDueIsolatesFailures(t *testing.T) {
	healthy := testAccount()
	broken := testAccount()
	broken.ID = "acc-2"
	fresh := testAccount()
	fresh.ID = "acc-3"
	now := time.Now()
	fresh.LastSyncedAt = &now

	// The shared provider fails only the broken account's fetches.
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{{{ID: "m1"}}},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice"),
		},
	}
	accounts := newFakeAccounts(healthy, broken, fresh)
	invoices := newFakeInvoices()
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {IsInvoice: true, Confidence: 0.9},
	}}

	provider := &selectiveProvider{session: session, failFor: "acc-2"}
	orch := NewOrchestrator(accounts, invoices, provider, extractor, Options{})
	orch.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	summaries, err := orch.ScanAllDue(context.Background(), 24*time.Hour, Options{})

	require.NoError(t, err)
	require.Len(t, summaries, 2, "freshly synced account is not due")

	byID := map[string]*Summary{}
	for _, s := range summaries {
		byID[s.AccountID] = s
	}
	assert.Equal(t, 1, byID["acc-1"].Processed)
	assert.NotEmpty(t, byID["acc-2"].Error, "one account's failure must not abort the other")

	account, _ := accounts.FindByID("acc-2")
	assert.Equal(t, accountdomain.SyncStatusError, account.SyncStatus)
}

type selectiveProvider struct {
	session *fakeSession
	failFor string
}

func (p *selectiveProvider) Authenticate(_ context.Context, account *accountdomain.Account, _ func(*oauth2.Token) error) (MailSession, error) {
	if account.ID == p.failFor {
		return nil, fmt.Errorf("%w: token revoked", invoicedomain.ErrAuth)
	}
	return p.session, nil
}

func TestScanAccountCancelledBetweenPages(t *testing.T) {
	accounts := newFakeAccounts(testAccount())
	invoices := newFakeInvoices()
	session := &fakeSession{
		pages: [][]invoicedomain.MessageStub{
			{{ID: "m1"}},
			{{ID: "m2"}},
		},
		messages: map[string]*invoicedomain.CandidateMessage{
			"m1": message("m1", "billing@acme.com", "Invoice"),
			"m2": message("m2", "billing@acme.com", "Invoice"),
		},
	}
	extractor := &fakeExtractor{results: map[string]invoicedomain.ExtractionResult{
		"m1": {IsInvoice: true, Confidence: 0.9},
		"m2": {IsInvoice: true, Confidence: 0.9},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	orch := newTestOrchestrator(accounts, invoices, session, extractor)
	// Cancel during the inter-page delay: the second page must not start.
	orch.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := orch.ScanAccount(ctx, "acc-1", Options{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Processed, "work done before cancellation is kept")
	assert.NotContains(t, session.fetched, "m2")

	account, _ := accounts.FindByID("acc-1")
	assert.Equal(t, accountdomain.SyncStatusError, account.SyncStatus)
}

func TestSenderLocalPart(t *testing.T) {
	assert.Equal(t, "billing", senderLocalPart("Acme Billing <billing@acme.com>"))
	assert.Equal(t, "billing", senderLocalPart("billing@acme.com"))
	assert.Equal(t, "noreply", senderLocalPart("noreply"))
}

func TestBuildContentIncludesTextAttachments(t *testing.T) {
	msg := message("m1", "billing@acme.com", "Invoice")
	msg.Attachments = []invoicedomain.Attachment{
		{Filename: "invoice.txt", MimeType: "text/plain", Data: []byte("Total: $99.00")},
		{Filename: "invoice.pdf", MimeType: "application/pdf", Data: []byte{0x25, 0x50}},
	}

	content, source := buildContent(msg)

	assert.Contains(t, content, "Total: $99.00")
	assert.NotContains(t, content, "\x25\x50\x44", "binary attachments are not inlined")
	assert.Equal(t, invoicedomain.SourceCombined, source)

	msg.Attachments = nil
	_, source = buildContent(msg)
	assert.Equal(t, invoicedomain.SourceEmail, source)
}
