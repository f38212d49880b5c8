package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
)

// rawExtraction mirrors the loose shape models actually return. Aliased
// fields (receiptNumber vs invoiceNumber, amount vs totalAmount) are
// resolved here, once, so ExtractionResult carries no ambiguity.
type rawExtraction struct {
	Vendor        string      `json:"vendor"`
	VendorName    string      `json:"vendorName"`
	InvoiceNumber string      `json:"invoiceNumber"`
	ReceiptNumber string      `json:"receiptNumber"`
	InvoiceDate   string      `json:"invoiceDate"`
	Date          string      `json:"date"`
	DueDate       string      `json:"dueDate"`
	TotalAmount   json.Number `json:"totalAmount"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	IsInvoice     *bool       `json:"isInvoice"`
	IsReceipt     *bool       `json:"isReceipt"`
	Confidence    *float64    `json:"confidence"`
	Categories    []string    `json:"categories"`
	Category      string      `json:"category"`
}

func (r rawExtraction) normalize() invoicedomain.ExtractionResult {
	result := invoicedomain.ExtractionResult{
		Vendor:        firstNonEmpty(r.Vendor, r.VendorName),
		InvoiceNumber: firstNonEmpty(r.InvoiceNumber, r.ReceiptNumber),
		InvoiceDate:   firstNonEmpty(r.InvoiceDate, r.Date),
		DueDate:       r.DueDate,
		Currency:      strings.ToUpper(strings.TrimSpace(r.Currency)),
		Categories:    r.Categories,
	}

	if amount, ok := numberValue(r.TotalAmount); ok {
		result.TotalAmount = &amount
	} else if amount, ok := numberValue(r.Amount); ok {
		result.TotalAmount = &amount
	}

	if r.IsInvoice != nil {
		result.IsInvoice = *r.IsInvoice
	} else if r.IsReceipt != nil {
		result.IsInvoice = *r.IsReceipt
	}

	if r.Confidence != nil && !math.IsNaN(*r.Confidence) {
		result.Confidence = clamp01(*r.Confidence)
	}

	if len(result.Categories) == 0 && r.Category != "" {
		result.Categories = []string{r.Category}
	}

	return result
}

// parseResult decodes a single-item provider response.
func parseResult(raw string) (invoicedomain.ExtractionResult, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return invoicedomain.ExtractionResult{}, fmt.Errorf("%w: no JSON object found", ErrParse)
	}

	var parsed rawExtraction
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return invoicedomain.ExtractionResult{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return parsed.normalize(), nil
}

// parseBatchResult decodes a combined response keyed by item id.
func parseBatchResult(raw string) (map[string]invoicedomain.ExtractionResult, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrParse)
	}

	var parsed map[string]rawExtraction
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	out := make(map[string]invoicedomain.ExtractionResult, len(parsed))
	for id, r := range parsed {
		out[id] = r.normalize()
	}
	return out, nil
}

// extractJSON trims markdown fences and any prose around the outermost
// JSON object.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

var (
	symbolAmountRe = regexp.MustCompile(`([$€£])\s?(\d[\d,]*(?:\.\d{1,2})?)`)
	isoAmountRe    = regexp.MustCompile(`\b(USD|EUR|GBP|AUD|CAD|NZD|JPY)\s?(\d[\d,]*(?:\.\d{1,2})?)`)
)

var symbolCurrencies = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// amountFromText is the deterministic fallback when the model found no
// amount: currency-symbol and ISO-code patterns over the raw text.
func amountFromText(text string) (float64, string, bool) {
	if m := symbolAmountRe.FindStringSubmatch(text); m != nil {
		if amount, err := parseAmount(m[2]); err == nil {
			return amount, symbolCurrencies[m[1]], true
		}
	}
	if m := isoAmountRe.FindStringSubmatch(text); m != nil {
		if amount, err := parseAmount(m[2]); err == nil {
			return amount, m[1], true
		}
	}
	return 0, "", false
}

func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func numberValue(n json.Number) (float64, bool) {
	if n == "" {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
