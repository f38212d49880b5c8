package main

import (
	"log"
	"time"

	api "github.com/LiamHillier/invoice-tracker/cmd/api"
	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	accountRepo "github.com/LiamHillier/invoice-tracker/internal/account/repository"
	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"
	invoiceRepo "github.com/LiamHillier/invoice-tracker/internal/invoice/repository"
	"github.com/LiamHillier/invoice-tracker/pkg/ai"
	"github.com/LiamHillier/invoice-tracker/pkg/config"
	"github.com/LiamHillier/invoice-tracker/pkg/database"
	"github.com/LiamHillier/invoice-tracker/pkg/gmail"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&accountdomain.Account{}, &invoicedomain.Invoice{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	accounts := accountRepo.NewAccountRepository(db)
	invoices := invoiceRepo.NewInvoiceRepository(db)

	// Initialize Gmail service
	gmailService := gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.ProcessedLabelID)

	// Extraction cache: Redis when configured, in-memory otherwise
	var cache ai.CacheStore
	if cfg.RedisAddr != "" {
		redisCache, err := ai.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, ai.DefaultCacheTTL)
		if err != nil {
			log.Printf("[Cache] Redis unavailable (%v), falling back to in-memory cache", err)
			cache = ai.NewMemoryCache(ai.DefaultCacheTTL, time.Now)
		} else {
			log.Printf("[Cache] using Redis at %s", cfg.RedisAddr)
			cache = redisCache
		}
	} else {
		cache = ai.NewMemoryCache(ai.DefaultCacheTTL, time.Now)
	}

	// Extraction service: Gemini behind a 10 req/min sliding-window limiter
	provider := ai.NewGeminiClient(cfg.GeminiAPIKey)
	limiter := ai.NewLimiter(10, time.Minute, time.Now, nil)
	extractor := ai.NewExtractor(provider, cache, limiter, ai.Options{
		Model:         cfg.GeminiModel,
		FallbackModel: cfg.GeminiFallback,
		MaxBatchItems: cfg.ScanBatchSize,
	})

	// Initialize HTTP handler (also starts the scheduled scanner)
	handler := api.NewHandler(cfg, accounts, invoices, gmailService, extractor)
	defer handler.Stop()

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
