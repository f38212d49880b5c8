package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
	"github.com/LiamHillier/invoice-tracker/pkg/preprocess"
)

const systemPrompt = `You are a financial document parser. Given the text of an email (and any attachment text), decide whether it is an invoice or receipt and extract structured data.

Return a single JSON object with exactly these fields:
{
  "isInvoice": boolean,
  "vendor": string or null,
  "invoiceNumber": string or null,
  "invoiceDate": "YYYY-MM-DD" or null,
  "dueDate": "YYYY-MM-DD" or null,
  "totalAmount": number or null,
  "currency": ISO 4217 code or null,
  "categories": array of strings,
  "confidence": number between 0 and 1
}

Marketing emails, payment reminders without amounts, and shipping notifications are NOT invoices. Return only the JSON object, no other text.`

const batchSystemPrompt = systemPrompt + `

You will receive multiple items, each introduced by a line "=== ITEM <id> ===". Return one JSON object whose keys are the item ids and whose values are the per-item JSON objects described above. Include every id exactly once.`

// Options tunes the extraction service. Zero values select the defaults.
type Options struct {
	Model           string
	FallbackModel   string
	MinTextLen      int // below this, skip the model call entirely
	MaxBatchItems   int
	MaxBatchTokens  int // estimated aggregate input budget per batch
	SingleMaxTokens int // response ceiling, single-item call
	BatchMaxTokens  int // response ceiling, batch call
}

func (o *Options) withDefaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.MinTextLen <= 0 {
		o.MinTextLen = 50
	}
	if o.MaxBatchItems <= 0 {
		o.MaxBatchItems = 5
	}
	if o.MaxBatchTokens <= 0 {
		o.MaxBatchTokens = 6000
	}
	if o.SingleMaxTokens <= 0 {
		o.SingleMaxTokens = 1024
	}
	if o.BatchMaxTokens <= 0 {
		o.BatchMaxTokens = 4096
	}
}

// BatchItem is one message's text keyed by its message id.
type BatchItem struct {
	ID   string
	Text string
}

// Extractor sends message text to a completion provider and returns
// normalized extraction results. Results are cached by content hash,
// provider calls go through the shared limiter, and transient provider
// failures are retried once against the fallback model.
type Extractor struct {
	provider Provider
	cache    CacheStore
	limiter  *Limiter
	opts     Options
}

func NewExtractor(provider Provider, cache CacheStore, limiter *Limiter, opts Options) *Extractor {
	opts.withDefaults()
	return &Extractor{
		provider: provider,
		cache:    cache,
		limiter:  limiter,
		opts:     opts,
	}
}

// Classify runs the single-item path. It never returns an error: failures
// degrade to the default non-invoice result with the error recorded on it.
func (e *Extractor) Classify(ctx context.Context, text string) invoicedomain.ExtractionResult {
	normalized := strings.TrimSpace(text)
	if len(normalized) < e.opts.MinTextLen {
		return defaultResult("")
	}

	key := cacheKey(normalized, e.opts.Model)
	if cached, ok := e.cacheGet(key); ok {
		return cached
	}

	raw, err := e.complete(ctx, systemPrompt, normalized, e.opts.SingleMaxTokens)
	if err != nil {
		log.Printf("[Extract] classify failed: %v", err)
		return defaultResult(err.Error())
	}

	result, err := parseResult(raw)
	if err != nil {
		log.Printf("[Extract] unparseable response: %v", err)
		return defaultResult(err.Error())
	}

	if result.TotalAmount == nil {
		if amount, currency, ok := amountFromText(normalized); ok {
			result.TotalAmount = &amount
			if result.Currency == "" {
				result.Currency = currency
			}
		}
	}

	e.cacheSet(key, result)
	return result
}

// ClassifyBatch classifies items in bounded batches, serving what it can
// from cache and degrading failed batches item-by-item instead of erroring.
func (e *Extractor) ClassifyBatch(ctx context.Context, items []BatchItem) map[string]invoicedomain.ExtractionResult {
	results := make(map[string]invoicedomain.ExtractionResult, len(items))
	if len(items) == 0 {
		return results
	}

	// Per-item cache pass first, so only genuinely new content hits the
	// provider.
	var uncached []BatchItem
	for _, item := range items {
		normalized := strings.TrimSpace(item.Text)
		if len(normalized) < e.opts.MinTextLen {
			results[item.ID] = defaultResult("")
			continue
		}
		if cached, ok := e.cacheGet(cacheKey(normalized, e.opts.Model)); ok {
			results[item.ID] = cached
			continue
		}
		uncached = append(uncached, BatchItem{ID: item.ID, Text: normalized})
	}
	if len(uncached) == 0 {
		return results
	}

	// A batch with identical composition short-circuits entirely.
	batchKey := e.batchCacheKey(uncached)
	if raw, ok := e.cache.Get(batchKey); ok {
		var cached map[string]invoicedomain.ExtractionResult
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			for id, r := range cached {
				results[id] = r
			}
			return results
		}
	}

	batchResults := make(map[string]invoicedomain.ExtractionResult, len(uncached))
	for start := 0; start < len(uncached); start += e.opts.MaxBatchItems {
		end := start + e.opts.MaxBatchItems
		if end > len(uncached) {
			end = len(uncached)
		}
		for id, r := range e.processBatch(ctx, uncached[start:end]) {
			batchResults[id] = r
		}
	}

	// Back-fill per-item and batch-level cache entries for the successes.
	// Errored results stay uncached at both levels so the next scan retries
	// them instead of replaying a transient failure for the whole TTL.
	clean := true
	for _, item := range uncached {
		r, ok := batchResults[item.ID]
		if !ok {
			r = defaultResult("missing from batch response")
			batchResults[item.ID] = r
		}
		if r.Error == "" {
			e.cacheSet(cacheKey(item.Text, e.opts.Model), r)
		} else {
			clean = false
		}
	}
	if clean {
		if payload, err := json.Marshal(batchResults); err == nil {
			e.cache.Set(batchKey, string(payload))
		}
	}

	for id, r := range batchResults {
		results[id] = r
	}
	return results
}

// processBatch issues one combined call for the batch. An oversized batch
// is split in half and each half retried; the len>1 guard is the floor
// that guarantees termination, so a single oversized item ships alone.
func (e *Extractor) processBatch(ctx context.Context, batch []BatchItem) map[string]invoicedomain.ExtractionResult {
	if len(batch) > 1 && e.estimateBatchTokens(batch) > e.opts.MaxBatchTokens {
		mid := len(batch) / 2
		out := e.processBatch(ctx, batch[:mid])
		for id, r := range e.processBatch(ctx, batch[mid:]) {
			out[id] = r
		}
		return out
	}

	out := make(map[string]invoicedomain.ExtractionResult, len(batch))

	var payload strings.Builder
	for _, item := range batch {
		fmt.Fprintf(&payload, "=== ITEM %s ===\n%s\n\n", item.ID, item.Text)
	}

	raw, err := e.complete(ctx, batchSystemPrompt, payload.String(), e.opts.BatchMaxTokens)
	if err != nil {
		log.Printf("[Extract] batch of %d failed: %v", len(batch), err)
		for _, item := range batch {
			out[item.ID] = defaultResult(err.Error())
		}
		return out
	}

	parsed, err := parseBatchResult(raw)
	if err != nil {
		log.Printf("[Extract] unparseable batch response: %v", err)
		for _, item := range batch {
			out[item.ID] = defaultResult(err.Error())
		}
		return out
	}

	for _, item := range batch {
		if r, ok := parsed[item.ID]; ok {
			if r.TotalAmount == nil {
				if amount, currency, found := amountFromText(item.Text); found {
					r.TotalAmount = &amount
					if r.Currency == "" {
						r.Currency = currency
					}
				}
			}
			out[item.ID] = r
		} else {
			out[item.ID] = defaultResult("missing from batch response")
		}
	}
	return out
}

// complete issues one rate-limited provider call, downgrading to the
// fallback model once when the primary fails transiently.
func (e *Extractor) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	raw, err := e.provider.Complete(ctx, e.opts.Model, system, user, maxTokens)
	if err == nil {
		return raw, nil
	}

	if (errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError)) && e.opts.FallbackModel != "" {
		log.Printf("[Extract] %s failed (%v), retrying with %s", e.opts.Model, err, e.opts.FallbackModel)
		if waitErr := e.limiter.Wait(ctx); waitErr != nil {
			return "", waitErr
		}
		return e.provider.Complete(ctx, e.opts.FallbackModel, system, user, maxTokens)
	}
	return "", err
}

func (e *Extractor) estimateBatchTokens(batch []BatchItem) int {
	total := 0
	for _, item := range batch {
		total += preprocess.EstimateTokens(item.Text)
	}
	return total
}

func (e *Extractor) cacheGet(key string) (invoicedomain.ExtractionResult, bool) {
	raw, ok := e.cache.Get(key)
	if !ok {
		return invoicedomain.ExtractionResult{}, false
	}
	var result invoicedomain.ExtractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return invoicedomain.ExtractionResult{}, false
	}
	return result, true
}

func (e *Extractor) cacheSet(key string, result invoicedomain.ExtractionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	e.cache.Set(key, string(payload))
}

func (e *Extractor) batchCacheKey(items []BatchItem) string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, cacheKey(item.Text, e.opts.Model))
	}
	sort.Strings(keys)
	return "batch:" + cacheKey(strings.Join(keys, ","), e.opts.Model)
}

func cacheKey(text, model string) string {
	sum := sha256.Sum256([]byte(text + "|" + model))
	return hex.EncodeToString(sum[:])
}

func defaultResult(errMsg string) invoicedomain.ExtractionResult {
	return invoicedomain.ExtractionResult{
		IsInvoice:  false,
		Confidence: 0,
		Error:      errMsg,
	}
}
