package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pactstake/settlement/internal/middleware"
	"github.com/pactstake/settlement/internal/services"
)

// IntegrationHandler receives callbacks from trusted services
type IntegrationHandler struct {
	accounts   *services.AccountService
	validation *services.ValidationService
}

// NewIntegrationHandler creates a new integration handler
func NewIntegrationHandler(accounts *services.AccountService, validation *services.ValidationService) *IntegrationHandler {
	return &IntegrationHandler{accounts: accounts, validation: validation}
}

// KYC applies a verification result from the KYC provider
func (h *IntegrationHandler) KYC(c *gin.Context) {
	var req services.KYCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.accounts.ApplyKYC(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Metrics applies a measurement from a metric source
func (h *IntegrationHandler) Metrics(c *gin.Context) {
	var report services.MetricReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	proof, err := h.validation.RecordMetric(c.Request.Context(), middleware.GetServiceID(c), report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}
