package booking

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/logging"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/metrics"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/paywall"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/realtime"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/reputation"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/traces"
)

// Handler provides the booking HTTP surface.
type Handler struct {
	manager    *Manager
	store      *registry.Store
	payments   *paywall.Verifier
	reputation *reputation.Tracker
	events     *realtime.Hub // nil when realtime is not wired
}

func NewHandler(manager *Manager, store *registry.Store, payments *paywall.Verifier, tracker *reputation.Tracker) *Handler {
	return &Handler{
		manager:    manager,
		store:      store,
		payments:   payments,
		reputation: tracker,
	}
}

// WithEvents attaches a realtime hub for event publishing.
func (h *Handler) WithEvents(hub *realtime.Hub) *Handler {
	h.events = hub
	return h
}

// RegisterRoutes sets up the booking routes. The book route sits
// behind the paywall with a per-request price resolved from the same
// quote the booking itself will carry.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:id/book",
		paywall.Middleware(h.payments, "Book an agent service slot", h.quotePrice),
		h.Book)
	r.GET("/agents/:id/booking/:bookingId", h.GetBooking)
	r.POST("/agents/:id/booking/:bookingId/complete", h.CompleteBooking)
}

// bookRequest is the body for POST /agents/:id/book.
type bookRequest struct {
	Tier        registry.Tier   `json:"tier" binding:"required"`
	Capability  string          `json:"capability" binding:"required"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// quotePrice peeks at the request body to price the call before the
// paywall runs. The body is restored for the handler's own bind. An
// unparseable body or unknown agent waives the charge here; the
// handler rejects the request properly right after.
func (h *Handler) quotePrice(c *gin.Context) string {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var req bookRequest
	if err := json.Unmarshal(body, &req); err != nil || !req.Tier.Valid() {
		return ""
	}

	agent, err := h.store.GetByID(c.Param("id"))
	if err != nil {
		return ""
	}
	return ResolvePrice(agent, req.Capability, req.Tier).BaseFee
}

// Book handles POST /agents/:id/book.
func (h *Handler) Book(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")

	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"hint":  "Body must be JSON: {tier: basic|pro|premium, capability: string, requestData?: {...}}",
		})
		return
	}
	if !req.Tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown tier: " + string(req.Tier),
			"hint":  "Tier must be one of basic, pro, premium",
		})
		return
	}

	ctx, span := traces.StartSpan(ctx, "booking.book",
		traces.AgentID(agentID), traces.Tier(string(req.Tier)))
	defer span.End()

	b, err := h.manager.Book(ctx, agentID, req.Tier, req.Capability, req.RequestData)
	if err != nil {
		var capErr *CapacityError
		switch {
		case errors.Is(err, registry.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, registry.ErrTierNotFound):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "tier not offered",
				"hint":  "The agent does not advertise availability at this tier",
			})
		case errors.As(err, &capErr):
			metrics.BookingsTotal.WithLabelValues("rejected_capacity").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":         "no slots available",
				"tier":          capErr.Tier,
				"nextAvailable": capErr.NextAvailable,
			})
		case errors.Is(err, ErrNotBookable):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "capability not offered by agent",
				"hint":  "Check the agent's capabilities list via GET /agents/:id",
			})
		default:
			logging.L(ctx).Error("booking failed", "agent", agentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "booking failed"})
		}
		return
	}

	metrics.BookingsTotal.WithLabelValues("created").Inc()
	h.events.Publish(realtime.EventBookingCreated, map[string]interface{}{
		"agentId":    agentID,
		"bookingId":  b.BookingID,
		"tier":       string(b.Tier),
		"capability": b.Capability,
	})
	logging.L(ctx).Info("slot booked",
		"booking", b.BookingID, "agent", agentID, "tier", b.Tier)

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"bookingId":   b.BookingID,
		"agent":       agentID,
		"tier":        b.Tier,
		"capability":  b.Capability,
		"pricing":     b.Pricing,
		"sla":         b.SLA,
		"expiryTime":  b.ExpiryTime,
		"requestData": b.RequestData,
	})
}

// GetBooking handles GET /agents/:id/booking/:bookingId.
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.manager.Get(c.Request.Context(), c.Param("id"), c.Param("bookingId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"booking": b,
	})
}

// completeRequest is the body for the completion report.
type completeRequest struct {
	ActualMs        int64  `json:"actualMs" binding:"required"`
	TransactionHash string `json:"transactionHash,omitempty"`
	PaymentNonce    string `json:"paymentNonce,omitempty"`
}

// CompleteBooking handles POST /agents/:id/booking/:bookingId/complete.
// The caller reports the observed response time and, optionally, the
// settlement transaction hash. The slot is freed and the agent's
// reputation moves by the SLA outcome.
func (h *Handler) CompleteBooking(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")
	bookingID := c.Param("bookingId")

	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"hint":  "Body must be JSON: {actualMs: int, transactionHash?: string, paymentNonce?: string}",
		})
		return
	}

	b, perf, err := h.manager.Complete(ctx, agentID, bookingID, req.ActualMs, req.TransactionHash)
	if err != nil {
		switch {
		case errors.Is(err, ErrBookingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
		case errors.Is(err, ErrAlreadyClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "booking already completed or expired"})
		default:
			logging.L(ctx).Error("completion failed", "booking", bookingID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "completion failed"})
		}
		return
	}

	if req.PaymentNonce != "" && req.TransactionHash != "" {
		h.payments.RecordSettlement(req.PaymentNonce, req.TransactionHash)
	}

	agent, err := h.reputation.RecordOutcome(agentID, perf.WithinSLA)
	if err != nil {
		logging.L(ctx).Warn("reputation update failed", "agent", agentID, "error", err)
	}

	metrics.BookingsTotal.WithLabelValues("completed").Inc()
	h.events.Publish(realtime.EventBookingCompleted, map[string]interface{}{
		"agentId":    agentID,
		"bookingId":  bookingID,
		"capability": b.Capability,
		"withinSLA":  perf.WithinSLA,
	})

	resp := gin.H{
		"success":     true,
		"booking":     b,
		"performance": perf,
	}
	if agent != nil {
		resp["reputationScore"] = agent.ReputationScore
	}
	c.JSON(http.StatusOK, resp)
}
