// Package metrics 提供引擎与运维接口的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perp"

// Config 指标配置
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Metrics 指标集合，所有指标带 market 常量标签
type Metrics struct {
	registry *prometheus.Registry

	// 引擎操作
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Liquidations      *prometheus.CounterVec
	FundingIntervals  prometheus.Counter

	// 状态
	OpenPositions  prometheus.Gauge
	MarkPrice      prometheus.Gauge
	FundingIndex   prometheus.Gauge
	LedgerBalances *prometheus.GaugeVec

	// 后台任务
	JobRuns *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New 创建并注册指标到独立的 registry
func New(market string) *Metrics {
	labels := prometheus.Labels{"market": market}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "operations_total",
			Help:        "Engine operations by type and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "operation_duration_seconds",
			Help:        "Engine operation latency in seconds",
			ConstLabels: labels,
			Buckets:     []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1},
		}, []string{"op"}),
		Liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "liquidations_total",
			Help:        "Liquidations by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		FundingIntervals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "funding",
			Name:        "intervals_settled_total",
			Help:        "Funding intervals settled",
			ConstLabels: labels,
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "open_positions",
			Help:        "Number of open positions",
			ConstLabels: labels,
		}),
		MarkPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "amm",
			Name:        "mark_price",
			Help:        "Current mark price of the virtual AMM",
			ConstLabels: labels,
		}),
		FundingIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "funding",
			Name:        "cumulative_index",
			Help:        "Cumulative funding index",
			ConstLabels: labels,
		}),
		LedgerBalances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ledger",
			Name:        "balance",
			Help:        "Collateral ledger balances by bucket",
			ConstLabels: labels,
		}, []string{"bucket"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "runs_total",
			Help:        "Background job runs by job and outcome",
			ConstLabels: labels,
		}, []string{"job", "outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OperationsTotal,
		m.OperationDuration,
		m.Liquidations,
		m.FundingIntervals,
		m.OpenPositions,
		m.MarkPrice,
		m.FundingIndex,
		m.LedgerBalances,
		m.JobRuns,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露指标的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// 以下方法实现引擎的 Recorder 接口

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SetOpenPositions(n int) { m.OpenPositions.Set(float64(n)) }

func (m *Metrics) SetMarkPrice(v float64) { m.MarkPrice.Set(v) }

func (m *Metrics) SetFundingIndex(v float64) { m.FundingIndex.Set(v) }

func (m *Metrics) SetLedgerBalance(bucket string, v float64) {
	m.LedgerBalances.WithLabelValues(bucket).Set(v)
}

func (m *Metrics) IncLiquidation(outcome string) {
	m.Liquidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFundingSettlement(intervals int64) {
	m.FundingIntervals.Add(float64(intervals))
}

// RecordJob 记录后台任务执行结果
func (m *Metrics) RecordJob(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.JobRuns.WithLabelValues(job, outcome).Inc()
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
