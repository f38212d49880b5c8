package api

import (
	"net/http"

	accountDelivery "github.com/LiamHillier/invoice-tracker/internal/account/delivery"
	scanDelivery "github.com/LiamHillier/invoice-tracker/internal/scan/delivery"
	"github.com/LiamHillier/invoice-tracker/pkg/config"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware gates the API behind a shared token. When no key is
// configured the API is open, which is only sensible for local use.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey != "" && c.GetHeader("X-API-Key") != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

func SetupRoutes(r *gin.Engine, cfg *config.Config, scanHandler *scanDelivery.ScanHandler, accountHandler *accountDelivery.AccountHandler) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Account routes (protected)
		accounts := api.Group("/accounts")
		accounts.Use(APIKeyMiddleware(cfg.APIKey))
		{
			accounts.POST("", accountHandler.CreateAccount)
			accounts.GET("", accountHandler.ListAccounts)
			accounts.GET("/:accountID/invoices", accountHandler.ListInvoices)
		}

		// Scan routes (protected)
		scans := api.Group("/scan")
		scans.Use(APIKeyMiddleware(cfg.APIKey))
		{
			scans.POST("/run-due", scanHandler.RunDue)
			scans.POST("/:accountID", scanHandler.TriggerScan)
			scans.GET("/:accountID/status", scanHandler.ScanStatus)
		}
	}
}
