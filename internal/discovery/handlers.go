package discovery

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/registry"
)

// Handler serves the discovery endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler creates a discovery handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the discovery route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.Discover)
}

// Discover handles GET /agents?capability=&tier=&minReputation=&maxResponseTime=.
func (h *Handler) Discover(c *gin.Context) {
	capability := c.Query("capability")

	var filters Filters
	echo := gin.H{"capability": capability}

	if tierStr := c.Query("tier"); tierStr != "" {
		tier := registry.Tier(tierStr)
		if !tier.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown tier " + strconv.Quote(tierStr),
				"hint":  "Tier must be one of basic, pro, premium",
			})
			return
		}
		filters.Tier = tier
		echo["tier"] = tierStr
	}

	if repStr := c.Query("minReputation"); repStr != "" {
		rep, err := strconv.Atoi(repStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minReputation must be an integer"})
			return
		}
		filters.MinReputation = &rep
		echo["minReputation"] = rep
	}

	if maxStr := c.Query("maxResponseTime"); maxStr != "" {
		maxMs, err := strconv.ParseInt(maxStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "maxResponseTime must be milliseconds"})
			return
		}
		filters.MaxResponseTime = &maxMs
		echo["maxResponseTime"] = maxMs
	}

	agents := h.engine.Discover(capability, filters)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"count":     len(agents),
		"agents":    agents,
		"filters":   echo,
		"timestamp": time.Now().UnixMilli(),
	})
}
