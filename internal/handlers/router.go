package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pactstake/settlement/internal/middleware"
	"github.com/pactstake/settlement/internal/ratelimit"
	"github.com/pactstake/settlement/internal/services"
	"github.com/pactstake/settlement/internal/storage"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Accounts       *services.AccountService
	Challenges     *services.ChallengeService
	Participations *services.ParticipationService
	Validation     *services.ValidationService
	Disputes       *services.DisputeService
	Payouts        *services.PayoutService
	Views          storage.Views
	Limiter        *ratelimit.Limiter
	Log            *zap.SugaredLogger

	JWTSecret     string
	ServiceKeys   map[string]string
	MediaDir      string
	MediaBaseURL  string
	MaxMediaBytes int64
}

// NewRouter registers every route on a fresh engine.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(d.Log))
	router.Use(corsMiddleware())
	router.MaxMultipartMemory = d.MaxMediaBytes

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	// An absolute base URL means media is served by a CDN in front of the directory.
	if d.MediaDir != "" && strings.HasPrefix(d.MediaBaseURL, "/") {
		router.Static(d.MediaBaseURL, d.MediaDir)
	}

	users := NewUserHandler(d.Accounts)
	challenges := NewChallengeHandler(d.Challenges, d.Participations, d.Payouts, d.Views)
	proofs := NewProofHandler(d.Participations, d.Validation, d.Disputes, d.MaxMediaBytes)
	disputes := NewDisputeHandler(d.Disputes)
	integrations := NewIntegrationHandler(d.Accounts, d.Validation)

	limit := func(action string) gin.HandlerFunc {
		return middleware.RateLimit(d.Limiter, action, d.Log)
	}
	arbiter := middleware.RequireRole(services.RoleArbiter)

	api := router.Group("/api/v1")
	{
		// Bad tokens count against the caller's IP before the JWT check runs.
		api.POST("/users/me", limit("auth"), middleware.JWTMiddleware(d.JWTSecret), users.Provision)

		authed := api.Group("")
		authed.Use(middleware.JWTMiddleware(d.JWTSecret))
		{
			authed.GET("/users/me", limit("default"), users.Me)
			authed.POST("/users/me/terms", limit("default"), users.AcceptTerms)
			authed.POST("/users/me/telegram", limit("default"), users.LinkTelegram)
			authed.POST("/users/me/deposit", limit("payment"), users.Deposit)
			authed.POST("/users/me/withdraw", limit("payment"), users.Withdraw)
			authed.GET("/users/me/transactions", limit("default"), users.Transactions)

			authed.POST("/groups", limit("default"), challenges.CreateGroup)
			authed.POST("/groups/:id/members", limit("default"), challenges.AddMember)

			authed.POST("/challenges", limit("challenge_create"), challenges.Create)
			authed.GET("/challenges/:id", limit("default"), challenges.Get)
			authed.GET("/challenges/:id/participants", limit("default"), challenges.Participants)
			authed.GET("/challenges/:id/stats", limit("default"), challenges.Stats)
			authed.GET("/challenges/:id/rewards", limit("default"), challenges.Rewards)
			authed.POST("/challenges/:id/join", limit("join"), challenges.Join)
			authed.POST("/challenges/:id/cancel", limit("default"), challenges.Cancel)
			authed.POST("/challenges/:id/distribute",
				middleware.RequireRole(services.RoleArbiter, services.RoleAdmin), limit("default"), challenges.Distribute)

			authed.POST("/participations/:id/proof", limit("proof_submit"), proofs.Submit)

			authed.GET("/proofs/:id", limit("default"), proofs.Get)
			authed.POST("/proofs/:id/decision", limit("vote"), proofs.Decide)
			authed.POST("/proofs/:id/votes", limit("vote"), proofs.Vote)
			authed.POST("/proofs/:id/disputes", limit("dispute"), proofs.OpenDispute)

			authed.POST("/disputes/:id/review", arbiter, limit("default"), disputes.Review)
			authed.POST("/disputes/:id/resolve", arbiter, limit("default"), disputes.Resolve)
		}

		internal := api.Group("/integrations")
		internal.Use(middleware.ServiceAuthMiddleware(d.ServiceKeys))
		{
			internal.POST("/kyc", integrations.KYC)
			internal.POST("/metrics", integrations.Metrics)
		}
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Service-ID, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
