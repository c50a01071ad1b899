// Package metrics keeps in-process counters for the orchestration daemon and
// renders them in Prometheus text exposition format. No external scrape
// library is pulled in; the daemon exposes a single /metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu        sync.Mutex
	requests  map[requestKey]uint64
	latency   map[latencyKey]*histogram
	spawns    uint64
	terminals map[string]uint64
}

var defaultCollector = &collector{
	requests:  make(map[requestKey]uint64),
	latency:   make(map[latencyKey]*histogram),
	terminals: make(map[string]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveSpawn 记录一次工作进程委派。
func ObserveSpawn() {
	defaultCollector.mu.Lock()
	defaultCollector.spawns++
	defaultCollector.mu.Unlock()
}

// ObserveTerminal 记录一次任务终态迁移。
func ObserveTerminal(status string) {
	defaultCollector.mu.Lock()
	defaultCollector.terminals[status]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超过最后一个桶的观测只计入 +Inf，由 h.count 承载。
}

// GaugeFunc 在抓取时刻给出一组即时读数，键为状态名。
type GaugeFunc func() map[string]int

// Handler 暴露 Prometheus 文本格式的指标，tasks 为空时跳过任务水位。
func Handler(tasks GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render(tasks))
	})
}

func (c *collector) render(tasks GaugeFunc) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP sentinel_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE sentinel_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("sentinel_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP sentinel_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE sentinel_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("sentinel_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	builder.WriteString("# HELP sentinel_worker_spawns_total Total number of worker dispatches.\n")
	builder.WriteString("# TYPE sentinel_worker_spawns_total counter\n")
	builder.WriteString(fmt.Sprintf("sentinel_worker_spawns_total %d\n", c.spawns))

	builder.WriteString("# HELP sentinel_worker_terminals_total Terminal task transitions by status.\n")
	builder.WriteString("# TYPE sentinel_worker_terminals_total counter\n")
	statuses := make([]string, 0, len(c.terminals))
	for status := range c.terminals {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		builder.WriteString(fmt.Sprintf("sentinel_worker_terminals_total{status=\"%s\"} %d\n",
			escape(status), c.terminals[status]))
	}

	if tasks != nil {
		builder.WriteString("# HELP sentinel_ledger_tasks Ledger tasks by status at scrape time.\n")
		builder.WriteString("# TYPE sentinel_ledger_tasks gauge\n")
		levels := tasks()
		keys := make([]string, 0, len(levels))
		for key := range levels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("sentinel_ledger_tasks{status=\"%s\"} %d\n",
				escape(key), levels[key]))
		}
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
