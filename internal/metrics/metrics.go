// Package metrics exposes Prometheus collectors for the relay hot path and
// its background machinery.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Upstream responses observed by the relay, by site and status",
		},
		[]string{"site", "status"},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_request_duration_seconds",
			Help:    "Upstream request duration by site",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)
	accountFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_account_failures_total",
			Help: "Attributed account failures by account name",
		},
		[]string{"account"},
	)
	accountsEligible = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_accounts_eligible",
			Help: "Accounts currently eligible for selection",
		},
	)
	siteRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_site_rotations_total",
			Help: "Failover rotations of the current site index",
		},
	)
	currentSiteIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_current_site_index",
			Help: "Index of the currently preferred site (0 = primary)",
		},
	)
	wafRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_waf_refreshes_total",
			Help: "WAF cookie refresh attempts by result",
		},
		[]string{"result"},
	)
	wafRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_waf_refresh_duration_seconds",
			Help:    "Duration of browser-backed WAF cookie refreshes",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
	browserRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_browser_restarts_total",
			Help: "Headless browser restarts",
		},
	)
	apiKeyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_apikey_validations_total",
			Help: "Inbound API key validations by outcome (valid, invalid, cached, error)",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers all relay collectors with the default registry.
// Call once at startup.
func MustRegister() {
	prometheus.MustRegister(
		upstreamRequestsTotal,
		upstreamDuration,
		accountFailuresTotal,
		accountsEligible,
		siteRotationsTotal,
		currentSiteIndex,
		wafRefreshesTotal,
		wafRefreshDuration,
		browserRestartsTotal,
		apiKeyValidationsTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records one upstream response.
func ObserveUpstream(site string, status int, d time.Duration) {
	upstreamRequestsTotal.WithLabelValues(site, strconv.Itoa(status)).Inc()
	upstreamDuration.WithLabelValues(site).Observe(d.Seconds())
}

// RecordAccountFailure records an attributed account failure.
func RecordAccountFailure(account string) {
	accountFailuresTotal.WithLabelValues(account).Inc()
}

// SetEligibleAccounts sets the eligible-account gauge.
func SetEligibleAccounts(n int) {
	accountsEligible.Set(float64(n))
}

// RecordSiteRotation records one failover rotation.
func RecordSiteRotation() {
	siteRotationsTotal.Inc()
}

// SetCurrentSite sets the current-site gauge.
func SetCurrentSite(index int) {
	currentSiteIndex.Set(float64(index))
}

// ObserveWAFRefresh records one cookie refresh attempt.
func ObserveWAFRefresh(ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	wafRefreshesTotal.WithLabelValues(result).Inc()
	wafRefreshDuration.Observe(d.Seconds())
}

// RecordBrowserRestart records one browser restart.
func RecordBrowserRestart() {
	browserRestartsTotal.Inc()
}

// RecordAPIKeyValidation records one inbound key validation outcome.
func RecordAPIKeyValidation(outcome string) {
	apiKeyValidationsTotal.WithLabelValues(outcome).Inc()
}
