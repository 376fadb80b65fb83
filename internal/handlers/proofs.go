package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/services"
)

// ProofHandler handles proof submission, review and disputes
type ProofHandler struct {
	participations *services.ParticipationService
	validation     *services.ValidationService
	disputes       *services.DisputeService
	maxMediaBytes  int64
}

// NewProofHandler creates a new proof handler
func NewProofHandler(participations *services.ParticipationService, validation *services.ValidationService, disputes *services.DisputeService, maxMediaBytes int64) *ProofHandler {
	return &ProofHandler{
		participations: participations,
		validation:     validation,
		disputes:       disputes,
		maxMediaBytes:  maxMediaBytes,
	}
}

// Submit accepts a proof as multipart (media file plus metadata JSON) or as
// plain JSON metadata referencing external content.
func (h *ProofHandler) Submit(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	participationID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var (
		req    services.SubmitProofRequest
		upload *services.MediaUpload
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxMediaBytes+1<<20)

		if raw := c.PostForm("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metadata: " + err.Error()})
				return
			}
		}
		var err error
		upload, err = h.readMedia(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || errors.Is(err, errMediaTooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "media exceeds the size limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proof, err := h.participations.SubmitProof(c.Request.Context(), actor.UserID, participationID, req, upload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proof)
}

var errMediaTooLarge = errors.New("media too large")

// readMedia returns nil when the form carries no media part.
func (h *ProofHandler) readMedia(c *gin.Context) (*services.MediaUpload, error) {
	fh, err := c.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fh.Size > h.maxMediaBytes {
		return nil, errMediaTooLarge
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > h.maxMediaBytes {
		return nil, errMediaTooLarge
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return &services.MediaUpload{Data: data, ContentType: contentType}, nil
}

// Get returns a proof
func (h *ProofHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	proof, err := h.participations.GetProof(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// Decide records the organizer's decision on a proof
func (h *ProofHandler) Decide(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proof, err := h.validation.Decide(c.Request.Context(), actor, id, *req.Approve)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// Vote casts a community vote on a proof
func (h *ProofHandler) Vote(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.validation.CastVote(c.Request.Context(), actor.UserID, id, *req.Approve)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// OpenDispute contests a won proof
func (h *ProofHandler) OpenDispute(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dispute, err := h.disputes.OpenDispute(c.Request.Context(), actor.UserID, id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

// DisputeHandler handles arbiter requests
type DisputeHandler struct {
	disputes *services.DisputeService
}

// NewDisputeHandler creates a new dispute handler
func NewDisputeHandler(disputes *services.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// Review moves a pending dispute under review
func (h *DisputeHandler) Review(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	dispute, err := h.disputes.ReviewDispute(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

// Resolve closes a dispute with an outcome
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := models.ParseDisputeOutcome(req.Outcome)
	if err != nil {
		respondError(c, err)
		return
	}

	dispute, err := h.disputes.ResolveDispute(c.Request.Context(), actor, id, outcome, req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}
