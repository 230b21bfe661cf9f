package stubhttp

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sandbox/internal/logger"
	"sandbox/internal/types"
)

type strategyInsertBody struct {
	UserID string         `json:"user_id"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

func (h *handlers) registerRest(group *gin.RouterGroup) {
	group.GET("/strategies", h.handleListStrategies)
	group.POST("/strategies", h.handleInsertStrategy)
	group.GET("/backtests", h.handleListBacktests)
}

// Row-level security: anonymous callers see no rows.
func (h *handlers) handleListStrategies(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusOK, []types.Strategy{})
		return
	}
	rows, err := h.store.ListStrategies(c.Request.Context(), user.ID)
	if err != nil {
		restError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *handlers) handleListBacktests(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusOK, []types.Backtest{})
		return
	}
	rows, err := h.store.ListBacktests(c.Request.Context(), user.ID)
	if err != nil {
		restError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *handlers) handleInsertStrategy(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		restError(c, http.StatusUnauthorized, `new row violates row-level security policy for table "strategies"`)
		return
	}
	var body strategyInsertBody
	if err := c.ShouldBindJSON(&body); err != nil {
		restError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserID != "" && body.UserID != user.ID {
		restError(c, http.StatusForbidden, `new row violates row-level security policy for table "strategies"`)
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		restError(c, http.StatusBadRequest, `null value in column "name" violates not-null constraint`)
		return
	}
	typ, ok := types.ParseStrategyType(body.Type)
	if !ok {
		restError(c, http.StatusBadRequest, `invalid input value for enum strategy_type: "`+body.Type+`"`)
		return
	}
	row, err := h.store.CreateStrategy(c.Request.Context(), user.ID, name, typ, body.Config)
	if err != nil {
		restError(c, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Infof("stub: strategy %s created for %s", row.ID, user.Email)
	if strings.Contains(c.GetHeader("Prefer"), "return=representation") {
		c.JSON(http.StatusCreated, []types.Strategy{row})
		return
	}
	c.Status(http.StatusCreated)
}

func restError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message})
}
