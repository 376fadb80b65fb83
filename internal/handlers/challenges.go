package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/services"
	"github.com/pactstake/settlement/internal/storage"
)

// ChallengeHandler handles pact requests
type ChallengeHandler struct {
	challenges     *services.ChallengeService
	participations *services.ParticipationService
	payouts        *services.PayoutService
	views          storage.Views
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(challenges *services.ChallengeService, participations *services.ParticipationService, payouts *services.PayoutService, views storage.Views) *ChallengeHandler {
	return &ChallengeHandler{
		challenges:     challenges,
		participations: participations,
		payouts:        payouts,
		views:          views,
	}
}

// Create creates a pact
func (h *ChallengeHandler) Create(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.CreateChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	challenge, participation, err := h.challenges.CreateChallenge(c.Request.Context(), actor.UserID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"challenge":     challenge,
		"participation": participation,
	})
}

// Get returns a pact
func (h *ChallengeHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	challenge, err := h.challenges.GetChallenge(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// Participants lists a pact's cohort with proof states
func (h *ChallengeHandler) Participants(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := h.challenges.GetChallenge(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	rows, err := h.views.ChallengeParticipants(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": rows})
}

// Stats aggregates a pact's cohort
func (h *ChallengeHandler) Stats(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	stats, err := h.views.ChallengeStats(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Join stakes the caller into a pact
func (h *ChallengeHandler) Join(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stake, err := services.ParseAmount(req.Stake)
	if err != nil {
		respondError(c, err)
		return
	}

	participation, err := h.participations.Join(c.Request.Context(), actor.UserID, id, stake)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, participation)
}

// Cancel cancels a pact and refunds every stake
func (h *ChallengeHandler) Cancel(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	challenge, err := h.challenges.CancelChallenge(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// Distribute settles a pool pact
func (h *ChallengeHandler) Distribute(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	result, err := h.payouts.Distribute(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Rewards lists the payouts of a pact
func (h *ChallengeHandler) Rewards(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rewards, err := h.payouts.ListRewards(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": rewards})
}

// CreateGroup creates a group owned by the caller
func (h *ChallengeHandler) CreateGroup(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group, err := h.challenges.CreateGroup(c.Request.Context(), actor.UserID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

// AddMember adds a user to a group the caller owns
func (h *ChallengeHandler) AddMember(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	groupID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if err := h.challenges.AddGroupMember(c.Request.Context(), actor, groupID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
