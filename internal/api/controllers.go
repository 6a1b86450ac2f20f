package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"execution-core/internal/engine"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

type listPositionsQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *listPositionsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getPositions(c *gin.Context) {
	var q listPositionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	status := db.PositionStatus(q.Status)
	switch status {
	case "", db.PositionOpen, db.PositionClosing, db.PositionClosed, db.PositionError:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+q.Status)
		return
	}

	positions, err := s.Engine.ListPositions(c.Request.Context(), status, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getGuard(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GuardStatus())
}

func (s *Server) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Breakers())
}

func (s *Server) getBalances(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Balances())
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// reconcile runs a dry run unless execute=true.
func (s *Server) reconcile(c *gin.Context) {
	execute := false
	if v := c.Query("execute"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "execute must be a boolean")
			return
		}
		execute = b
	}

	log.Printf("[API] reconcile requested by %s (execute=%v)", CurrentOperator(c), execute)
	reports, err := s.Engine.Reconcile(c.Request.Context(), execute)
	if err != nil && len(reports) == 0 {
		respondError(c, http.StatusBadGateway, "RECONCILE_FAILED", err.Error())
		return
	}
	resp := gin.H{"execute": execute, "reports": reports}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) closePosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	venue := strings.ToLower(strings.TrimSpace(c.Query("exchange")))

	log.Printf("[API] close %s requested by %s", symbol, CurrentOperator(c))
	res, err := s.Engine.ClosePosition(c.Request.Context(), venue, symbol)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, engine.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrAmbiguousPosition):
		respondError(c, http.StatusConflict, "AMBIGUOUS_POSITION", err.Error()+"; pass ?exchange=")
	case errors.Is(err, exchange.ErrNoPosition):
		respondError(c, http.StatusNotFound, "NO_EXCHANGE_POSITION", err.Error())
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"code":   "CLOSE_FAILED",
			"error":  err.Error(),
			"result": res,
		})
	}
}

func (s *Server) submitSignal(c *gin.Context) {
	var sig engine.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	sig.Exchange = strings.ToLower(strings.TrimSpace(sig.Exchange))
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	sig.Direction = exchange.PositionSide(strings.ToUpper(string(sig.Direction)))
	if err := sig.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res := s.Engine.SubmitSignal(c.Request.Context(), sig)
	status := http.StatusOK
	if res.Outcome == engine.OutcomeError {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}
