package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/audience"
	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

type HealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store,omitempty"`
	TestsCount    int    `json:"tests_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	tests, err := s.registry.ListTests(c.Request.Context())
	if err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Store: s.opts.StoreDriver})
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Store:         s.opts.StoreDriver,
		TestsCount:    len(tests),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

type VariantResponse struct {
	TestID    string              `json:"test_id"`
	VariantID string              `json:"variant_id"`
	Config    store.VariantConfig `json:"config"`
}

// handleVariant answers 204 whenever no experiment applies so pages can fall
// back to their default content.
func (s *Server) handleVariant(c *gin.Context) {
	testID := c.Param("id")
	userID := c.Query("uid")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid parameter required"})
		return
	}

	ctx := audience.WithRuntimeContext(c.Request.Context(), audience.FromRequest(c.Request))
	ctx = experiment.WithUserID(ctx, userID)

	variantID, ok := s.registry.GetVariantForUser(ctx, testID, userID)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	config, ok := s.registry.GetVariantConfig(ctx, testID, variantID)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, VariantResponse{TestID: testID, VariantID: variantID, Config: config})
}

// BeaconRequest represents an incoming beacon event
type BeaconRequest struct {
	TestID   string         `json:"t" binding:"required"`
	UserID   string         `json:"uid" binding:"required"`
	Event    string         `json:"e" binding:"required,oneof=convert event engagement"`
	GoalID   string         `json:"g"`
	Name     string         `json:"n"`
	Value    *float64       `json:"val"`
	Seconds  float64        `json:"sec" binding:"gte=0"`
	Bounce   bool           `json:"bounce"`
	Metadata map[string]any `json:"meta"`
}

func (s *Server) handleBeacon(c *gin.Context) {
	var req BeaconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := experiment.WithUserID(c.Request.Context(), req.UserID)

	var err error
	switch req.Event {
	case "convert":
		err = s.registry.TrackConversion(ctx, req.TestID, req.GoalID, req.Value, req.Metadata)
	case "event":
		err = s.registry.TrackCustomEvent(ctx, req.TestID, req.Name, req.Value, req.Metadata)
	case "engagement":
		err = s.registry.TrackEngagement(ctx, req.TestID, req.Seconds, req.Bounce)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var ve *experiment.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "problems": ve.Problems})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "test not found"})
	case errors.Is(err, store.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": "test already exists"})
	case errors.Is(err, experiment.ErrInvalidTransition), errors.Is(err, experiment.ErrNotEditable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
