package api

import (
	"context"
	"log"

	accountDelivery "github.com/LiamHillier/invoice-tracker/internal/account/delivery"
	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	accountRepo "github.com/LiamHillier/invoice-tracker/internal/account/repository"
	invoiceRepo "github.com/LiamHillier/invoice-tracker/internal/invoice/repository"
	scanDelivery "github.com/LiamHillier/invoice-tracker/internal/scan/delivery"
	scanUsecase "github.com/LiamHillier/invoice-tracker/internal/scan/usecase"
	"github.com/LiamHillier/invoice-tracker/pkg/ai"
	"github.com/LiamHillier/invoice-tracker/pkg/config"
	"github.com/LiamHillier/invoice-tracker/pkg/gmail"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
)

type Handler struct {
	config         *config.Config
	scanHandler    *scanDelivery.ScanHandler
	accountHandler *accountDelivery.AccountHandler
	scheduler      *scanUsecase.Scheduler
}

// gmailProviderAdapter adapts gmail.Service to the orchestrator's
// MailProvider interface (the concrete *gmail.Session satisfies
// MailSession).
type gmailProviderAdapter struct {
	svc *gmail.Service
}

func newMailProvider(svc *gmail.Service) scanUsecase.MailProvider {
	return &gmailProviderAdapter{svc: svc}
}

func (a *gmailProviderAdapter) Authenticate(ctx context.Context, account *accountdomain.Account, onTokenRefresh func(*oauth2.Token) error) (scanUsecase.MailSession, error) {
	session, err := a.svc.Authenticate(ctx, account, gmail.TokenUpdateFunc(onTokenRefresh))
	if err != nil {
		return nil, err
	}
	return session, nil
}

func NewHandler(cfg *config.Config, accounts accountRepo.AccountRepository, invoices invoiceRepo.InvoiceRepository, gmailService *gmail.Service, extractor *ai.Extractor) *Handler {
	orchestrator := scanUsecase.NewOrchestrator(accounts, invoices, newMailProvider(gmailService), extractor, scanUsecase.Options{
		Query:      cfg.ScanQuery,
		BatchSize:  cfg.ScanBatchSize,
		MaxResults: cfg.ScanMaxResults,
	})

	scheduler := scanUsecase.NewScheduler(orchestrator, cfg.ScanInterval, cfg.StaleAfter)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Printf("[Scheduler] failed to start: %v", err)
	}

	return &Handler{
		config:         cfg,
		scanHandler:    scanDelivery.NewScanHandler(orchestrator, accounts, invoices, cfg.StaleAfter),
		accountHandler: accountDelivery.NewAccountHandler(accounts, invoices),
		scheduler:      scheduler,
	}
}

func (h *Handler) Stop() {
	h.scheduler.Stop()
}

func (h *Handler) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	SetupRoutes(r, h.config, h.scanHandler, h.accountHandler)

	return r.Run(addr)
}
