package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/services"
	"github.com/shopspring/decimal"
)

// UserHandler handles account requests
type UserHandler struct {
	accounts *services.AccountService
}

// NewUserHandler creates a new user handler
func NewUserHandler(accounts *services.AccountService) *UserHandler {
	return &UserHandler{accounts: accounts}
}

// Provision creates the caller's account on first use
func (h *UserHandler) Provision(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.ProvisionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	user, err := h.accounts.ProvisionUser(c.Request.Context(), actor.UserID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Me returns the caller's account
func (h *UserHandler) Me(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	user, err := h.accounts.GetUser(c.Request.Context(), actor.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// AcceptTerms records the caller's acceptance of the terms
func (h *UserHandler) AcceptTerms(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	user, err := h.accounts.AcceptTerms(c.Request.Context(), actor.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// LinkTelegramRequest binds a Telegram chat for notifications
type LinkTelegramRequest struct {
	ChatID int64 `json:"chat_id" binding:"required"`
}

// LinkTelegram stores the caller's Telegram chat id
func (h *UserHandler) LinkTelegram(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req LinkTelegramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.accounts.LinkTelegram(c.Request.Context(), actor.UserID, req.ChatID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Deposit charges the payment processor and credits the balance
func (h *UserHandler) Deposit(c *gin.Context) {
	h.moveMoney(c, h.accounts.Deposit)
}

// Withdraw debits the balance and pays out through the processor
func (h *UserHandler) Withdraw(c *gin.Context) {
	h.moveMoney(c, h.accounts.Withdraw)
}

func (h *UserHandler) moveMoney(c *gin.Context, op func(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Transaction, error)) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := services.ParseAmount(req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	txn, err := op(c.Request.Context(), actor.UserID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// Transactions lists the caller's ledger, newest first
func (h *UserHandler) Transactions(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	txns, err := h.accounts.ListTransactions(c.Request.Context(), actor.UserID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}
