package registry

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/logging"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/metrics"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/realtime"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/security"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/traces"
)

// Handler provides the registration, heartbeat, and availability HTTP
// surface over a Store.
type Handler struct {
	store  *Store
	events *realtime.Hub // nil when realtime is not wired

	// checkEndpoint guards registrations against SSRF via the advertised
	// agent endpoint. Swappable in tests.
	checkEndpoint func(string) error
}

// NewHandler creates a registry handler.
func NewHandler(store *Store) *Handler {
	return &Handler{
		store:         store,
		checkEndpoint: security.ValidateEndpointURL,
	}
}

// WithEvents attaches a realtime hub for event publishing.
func (h *Handler) WithEvents(hub *realtime.Hub) *Handler {
	h.events = hub
	return h
}

// RegisterRoutes sets up registration and lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/register", h.Register)
	r.POST("/agents/heartbeat", h.Heartbeat)
	r.GET("/agents/:id", h.GetAgent)
	r.POST("/agents/:id/availability", h.UpdateAvailability)
}

// Register handles POST /agents/register.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"hint":  "Body must be JSON: {profile: {...}, signature?: string}",
		})
		return
	}

	if req.Profile.Endpoint != "" {
		if err := h.checkEndpoint(req.Profile.Endpoint); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "endpoint rejected: " + err.Error(),
				"hint":  "Agent endpoints must be public http(s) URLs",
			})
			return
		}
	}

	ctx, span := traces.StartSpan(ctx, "registry.register", traces.AgentID(req.Profile.ID))
	defer span.End()

	agent, err := h.store.Register(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"hint":  "Provide a signed identity proof to enable verification",
			})
		case errors.Is(err, ErrSignerMismatch):
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
				"hint":  "Re-registration of an existing id requires the original signer",
			})
		case errors.Is(err, ErrInvalidProfile), errors.Is(err, ErrUnknownChain), errors.Is(err, ErrSLAOrdering):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logger.Error("registration failed", "agent", req.Profile.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}

	metrics.RegistrationsTotal.WithLabelValues(string(agent.Chain), verifiedLabel(agent)).Inc()
	h.events.Publish(realtime.EventAgentRegistered, map[string]interface{}{
		"agentId":  agent.ID,
		"chain":    string(agent.Chain),
		"verified": agent.Verified(),
	})
	logger.Info("agent registered",
		"agent", agent.ID,
		"chain", agent.Chain,
		"verified", agent.Verified(),
	)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"agent":   agent,
	})
}

// HeartbeatRequest is the body for POST /agents/heartbeat.
type HeartbeatRequest struct {
	ID string `json:"id" binding:"required"`
}

// Heartbeat handles POST /agents/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"hint":  "Body must be JSON: {id: string}",
		})
		return
	}

	agent, err := h.store.UpdateHeartbeat(req.ID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		logging.L(c.Request.Context()).Error("heartbeat failed", "agent", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}

	metrics.HeartbeatsTotal.Inc()
	h.events.Publish(realtime.EventAgentHeartbeat, map[string]interface{}{
		"agentId": agent.ID,
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"type":    agent.Type,
	})
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.store.GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"agent":   agent,
	})
}

// availabilityRequest is the body for POST /agents/:id/availability.
type availabilityRequest struct {
	Tier Tier `json:"tier" binding:"required"`
	AvailabilityUpdate
}

// UpdateAvailability handles POST /agents/:id/availability.
func (h *Handler) UpdateAvailability(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"hint":  "Body must be JSON: {tier: basic|pro|premium, slotsFilled?, nextAvailable?, responseSLA?, ...}",
		})
		return
	}

	agent, err := h.store.UpdateAvailability(ctx, id, req.Tier, req.AvailabilityUpdate)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, ErrTierNotFound):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"hint":  "Creating a new tier block requires at least slots and responseSLA",
			})
		case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrSLAOrdering):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logging.L(ctx).Error("availability update failed", "agent", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "availability update failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"agent":     agent,
		"timestamp": time.Now().UnixMilli(),
	})
}

func verifiedLabel(a *AgentProfile) string {
	if a.Verified() {
		return "verified"
	}
	return "unverified"
}
