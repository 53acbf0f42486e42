package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/application"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
)

type fakeQuery struct {
	positions map[string]domain.Position
	paused    bool
}

func (f *fakeQuery) Market() string { return "ETH-USD" }

func (f *fakeQuery) Position(id string) (domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound.Withf("%s", id)
	}
	return p, nil
}

func (f *fakeQuery) PositionsOf(owner string) []domain.Position {
	var out []domain.Position
	for _, p := range f.positions {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeQuery) Health(id string) (domain.Health, error) {
	if _, err := f.Position(id); err != nil {
		return domain.Health{}, err
	}
	return domain.Health{Ratio: decimal.RequireFromString("0.25"), Liquidatable: false}, nil
}

func (f *fakeQuery) Quote(_ bool, notional decimal.Decimal) (pricing.SwapResult, error) {
	if !notional.IsPositive() {
		return pricing.SwapResult{}, pricing.ErrInvalidSwap
	}
	return pricing.SwapResult{BaseAmount: notional.Div(decimal.NewFromInt(2)), ExecutionPrice: decimal.NewFromInt(2)}, nil
}

func (f *fakeQuery) MarketState() *application.MarketDTO {
	return &application.MarketDTO{Market: "ETH-USD", MarkPrice: "2"}
}

func (f *fakeQuery) Paused() bool { return f.paused }

type brokenRepo struct{}

func (brokenRepo) Save(context.Context, domain.Position) error { return errors.New("down") }
func (brokenRepo) Get(context.Context, string) (*domain.Position, error) {
	return nil, errors.New("down")
}
func (brokenRepo) ListByOwner(context.Context, string) ([]domain.Position, error) {
	return nil, errors.New("down")
}
func (brokenRepo) Delete(context.Context, string, string) error { return errors.New("down") }

type httpRecorder struct{ paths []string }

func (r *httpRecorder) RecordHTTPRequest(_, path string, _ int, _ time.Duration) {
	r.paths = append(r.paths, path)
}

func newTestRouter(q *fakeQuery, repo domain.PositionReadRepository, rec MetricsRecorder) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewPositionHandler(q, repo), "/metrics", http.NotFoundHandler(), rec)
}

func get(t *testing.T, router *gin.Engine, url string) (int, map[string]any) {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestPositionEndpoints(t *testing.T) {
	r := require.New(t)
	q := &fakeQuery{positions: map[string]domain.Position{
		"p1": {ID: "p1", Owner: "alice", IsLong: true, Size: decimal.NewFromInt(500), Collateral: decimal.NewFromInt(100)},
	}}
	rec := &httpRecorder{}
	router := newTestRouter(q, brokenRepo{}, rec)

	code, body := get(t, router, "/api/v1/positions/p1")
	r.Equal(http.StatusOK, code)
	data := body["data"].(map[string]any)
	r.Equal("long", data["side"])
	r.Equal("500", data["size"])

	code, body = get(t, router, "/api/v1/positions/missing")
	r.Equal(http.StatusNotFound, code)
	r.Equal("position_not_found", body["error"])

	// 读模型不可用时回退到引擎
	code, body = get(t, router, "/api/v1/positions?owner=alice")
	r.Equal(http.StatusOK, code)
	r.EqualValues(1, body["total"])

	code, _ = get(t, router, "/api/v1/positions")
	r.Equal(http.StatusBadRequest, code)

	code, body = get(t, router, "/api/v1/positions/p1/health")
	r.Equal(http.StatusOK, code)
	r.Equal("0.25", body["data"].(map[string]any)["ratio"])

	r.Contains(rec.paths, "/api/v1/positions/:id")
}

func TestQuoteAndMarket(t *testing.T) {
	r := require.New(t)
	router := newTestRouter(&fakeQuery{}, nil, nil)

	code, body := get(t, router, "/api/v1/quote?side=short&notional=100")
	r.Equal(http.StatusOK, code)
	r.Equal("50", body["data"].(map[string]any)["base_amount"])

	code, _ = get(t, router, "/api/v1/quote?side=sideways&notional=100")
	r.Equal(http.StatusBadRequest, code)

	code, _ = get(t, router, "/api/v1/quote?notional=0")
	r.Equal(http.StatusBadRequest, code)

	// 与开仓相同的定点规则：小数位与指数都受限
	for _, notional := range []string{"1.0000000000000000001", "1e100", "abc"} {
		code, _ = get(t, router, "/api/v1/quote?side=long&notional="+notional)
		r.Equal(http.StatusBadRequest, code, notional)
	}

	code, body = get(t, router, "/api/v1/market")
	r.Equal(http.StatusOK, code)
	r.Equal("ETH-USD", body["data"].(map[string]any)["market"])
}

func TestHealthzReflectsPause(t *testing.T) {
	q := &fakeQuery{}
	router := newTestRouter(q, nil, nil)

	code, _ := get(t, router, "/healthz")
	require.Equal(t, http.StatusOK, code)

	q.paused = true
	code, body := get(t, router, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "paused", body["status"])
}

type fundingRates []*funding.FundingRate

func (f fundingRates) History(_ context.Context, limit int) ([]*funding.FundingRate, error) {
	if limit < len(f) {
		return f[:limit], nil
	}
	return f, nil
}

func TestFundingRates(t *testing.T) {
	r := require.New(t)
	q := &fakeQuery{}

	code, _ := get(t, newTestRouter(q, nil, nil), "/api/v1/funding/rates")
	r.Equal(http.StatusNotFound, code)

	history := fundingRates{
		{Market: "ETH-USD", Rate: decimal.RequireFromString("0.001"), Intervals: 2, Timestamp: time.Unix(7200, 0).UTC()},
		{Market: "ETH-USD", Rate: decimal.RequireFromString("-0.002"), Intervals: 1, Timestamp: time.Unix(3600, 0).UTC()},
	}
	gin.SetMode(gin.TestMode)
	router := NewRouter(NewPositionHandler(q, nil).WithFundingHistory(history), "/metrics", nil, nil)

	code, body := get(t, router, "/api/v1/funding/rates?limit=1")
	r.Equal(http.StatusOK, code)
	r.EqualValues(1, body["total"])
	r.Equal("0.001", body["data"].([]any)[0].(map[string]any)["rate"])

	code, _ = get(t, router, "/api/v1/funding/rates?limit=0")
	r.Equal(http.StatusBadRequest, code)
}
