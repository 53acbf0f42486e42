package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/application"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
	"github.com/wyfcoding/perpetual/pkg/logger"
	"github.com/wyfcoding/perpetual/pkg/middleware"
)

// EngineQuery 引擎的只读查询面
type EngineQuery interface {
	Market() string
	Position(id string) (domain.Position, error)
	PositionsOf(owner string) []domain.Position
	Health(id string) (domain.Health, error)
	Quote(isLong bool, notional decimal.Decimal) (pricing.SwapResult, error)
	MarketState() *application.MarketDTO
	Paused() bool
}

// FundingHistory 资金费率结算历史
type FundingHistory interface {
	History(ctx context.Context, limit int) ([]*funding.FundingRate, error)
}

// HTTP 处理器
// 只提供查询，写操作不经由 HTTP 暴露
type PositionHandler struct {
	engine   EngineQuery
	readRepo domain.PositionReadRepository // 可为空，为空时直接查询引擎
	funding  FundingHistory
}

func NewPositionHandler(engine EngineQuery, readRepo domain.PositionReadRepository) *PositionHandler {
	return &PositionHandler{engine: engine, readRepo: readRepo}
}

// WithFundingHistory 启用 /api/v1/funding/rates
func (h *PositionHandler) WithFundingHistory(f FundingHistory) *PositionHandler {
	h.funding = f
	return h
}

// 注册路由，mws 仅作用于 /api/v1
func (h *PositionHandler) RegisterRoutes(router *gin.RouterGroup, mws ...gin.HandlerFunc) {
	api := router.Group("/api/v1", mws...)
	{
		api.GET("/market", h.GetMarket)
		api.GET("/quote", h.GetQuote)
		api.GET("/positions", h.GetPositions)
		api.GET("/positions/:id", h.GetPosition)
		api.GET("/positions/:id/health", h.GetHealth)
		api.GET("/funding/rates", h.GetFundingRates)
	}
}

// GetMarket 市场状态
func (h *PositionHandler) GetMarket(c *gin.Context) {
	success(c, h.engine.MarketState())
}

// GetQuote 模拟开仓 ?side=long|short&notional=
func (h *PositionHandler) GetQuote(c *gin.Context) {
	side := c.DefaultQuery("side", "long")
	if side != "long" && side != "short" {
		fail(c, http.StatusBadRequest, "side must be long or short")
		return
	}
	notional, err := fixedpoint.Parse(c.Query("notional"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid notional: "+err.Error())
		return
	}
	res, err := h.engine.Quote(side == "long", notional)
	if err != nil {
		failWithError(c, err)
		return
	}
	success(c, gin.H{
		"side":            side,
		"notional":        notional.String(),
		"base_amount":     res.BaseAmount.String(),
		"execution_price": res.ExecutionPrice.String(),
		"mark_price":      h.engine.MarketState().MarkPrice,
	})
}

// GetPositions 获取 owner 的持仓列表
func (h *PositionHandler) GetPositions(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		fail(c, http.StatusBadRequest, "owner is required")
		return
	}

	positions := h.listByOwner(c.Request.Context(), owner)
	dtos := make([]*application.PositionDTO, 0, len(positions))
	for _, p := range positions {
		dtos = append(dtos, application.ToPositionDTO(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"code":  0,
		"data":  dtos,
		"total": len(dtos),
	})
}

// listByOwner 优先读取缓存读模型，不可用时回退到引擎视图
func (h *PositionHandler) listByOwner(ctx context.Context, owner string) []domain.Position {
	if h.readRepo == nil {
		return h.engine.PositionsOf(owner)
	}
	positions, err := h.readRepo.ListByOwner(ctx, owner)
	if err != nil {
		logger.Warn(ctx, "read model unavailable, falling back to engine", "owner", owner, "error", err)
		return h.engine.PositionsOf(owner)
	}
	return positions
}

// GetPosition 获取持仓详情
func (h *PositionHandler) GetPosition(c *gin.Context) {
	p, err := h.engine.Position(c.Param("id"))
	if err != nil {
		failWithError(c, err)
		return
	}
	success(c, application.ToPositionDTO(p))
}

// GetHealth 获取持仓健康度
func (h *PositionHandler) GetHealth(c *gin.Context) {
	id := c.Param("id")
	health, err := h.engine.Health(id)
	if err != nil {
		failWithError(c, err)
		return
	}
	success(c, application.ToHealthDTO(id, health))
}

// GetFundingRates 最近的资金费率结算记录 ?limit=
func (h *PositionHandler) GetFundingRates(c *gin.Context) {
	if h.funding == nil {
		fail(c, http.StatusNotFound, "funding history is not enabled")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "24"))
	if err != nil || limit <= 0 || limit > 1000 {
		fail(c, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	rates, err := h.funding.History(c.Request.Context(), limit)
	if err != nil {
		failWithError(c, err)
		return
	}
	dtos := make([]gin.H, 0, len(rates))
	for _, r := range rates {
		dtos = append(dtos, gin.H{
			"rate":             r.Rate.String(),
			"intervals":        r.Intervals,
			"mark_price":       r.MarkPrice.String(),
			"index_price":      r.IndexPrice.String(),
			"cumulative_index": r.CumulativeIndex.String(),
			"settled_at":       r.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": dtos, "total": len(dtos)})
}

// Healthz 存活与引擎状态检查
func (h *PositionHandler) Healthz(c *gin.Context) {
	if h.engine.Paused() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "paused", "market": h.engine.Market()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "market": h.engine.Market()})
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message})
}

func failWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindValidation, errs.KindMarket:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"code": status, "message": err.Error(), "error": errs.CodeOf(err)})
}

// MetricsRecorder HTTP 指标上报
type MetricsRecorder interface {
	RecordHTTPRequest(method, path string, status int, d time.Duration)
}

// Metrics gin 中间件，按路由模板记录请求
func Metrics(rec MetricsRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rec.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// NewRouter 组装运维路由：/healthz、指标与只读查询
func NewRouter(h *PositionHandler, metricsPath string, metricsHandler http.Handler, rec MetricsRecorder, apiMiddleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogging(), middleware.Recovery())
	if rec != nil {
		router.Use(Metrics(rec))
	}
	router.GET("/healthz", h.Healthz)
	if metricsHandler != nil {
		router.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	h.RegisterRoutes(&router.RouterGroup, apiMiddleware...)
	return router
}
