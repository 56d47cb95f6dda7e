package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployer info
	DeployerInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_deployer_info",
			Help: "Static information about the deployer instance (value is always 1)",
		},
		[]string{"version", "challenge", "hostname"},
	)

	// Container metrics
	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_active_containers",
			Help: "Number of currently active challenge containers",
		},
	)

	ContainerDeploymentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_container_deployments_total",
			Help: "Total number of container deployments",
		},
	)

	ContainerDeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_container_deployment_duration_seconds",
			Help:    "Time taken to deploy a container",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	ContainerLifetime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_container_lifetime_seconds",
			Help:    "Observed lifetime of reclaimed containers",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		},
	)

	ContainerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_container_restarts_total",
			Help: "Total number of container restarts",
		},
	)

	ContainerExtensions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_container_lifetime_extensions_total",
			Help: "Total number of container lifetime extensions",
		},
	)

	// Rate limiting
	RateLimitChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_rate_limit_checks_total",
			Help: "Total number of rate limit checks",
		},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_rate_limit_rejections_total",
			Help: "Total number of requests rejected by rate limiting",
		},
	)

	// Resource quotas
	ResourceQuotaChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_resource_quota_checks_total",
			Help: "Total number of resource quota checks",
		},
	)

	ResourceQuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_resource_quota_rejections_total",
			Help: "Total number of requests rejected by resource quotas",
		},
		[]string{"resource"},
	)

	ResourceUsagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_usage_percent",
			Help: "Current resource usage as a percentage of its limit",
		},
		[]string{"resource"},
	)

	ResourceCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_current",
			Help: "Current resource usage in absolute units",
		},
		[]string{"resource"},
	)

	ResourceLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_limit",
			Help: "Resource usage limit in absolute units",
		},
		[]string{"resource"},
	)

	// Captcha
	CaptchaGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_captcha_generated_total",
			Help: "Total number of captchas generated",
		},
	)

	CaptchaValidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_captcha_validations_total",
			Help: "Total number of captcha validation attempts",
		},
	)

	// Errors
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)

	// Database
	DatabaseOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"op"},
	)

	DatabaseOperationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_database_operation_duration_seconds",
			Help:    "Time taken for database operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	DatabaseConnectionPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_database_connection_pool",
			Help: "Database connection pool statistics",
		},
		[]string{"state"},
	)

	// Port pool
	PortPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_port_pool",
			Help: "Port pool statistics",
		},
		[]string{"state"},
	)

	PortAllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_port_allocation_failures_total",
			Help: "Total number of port allocation failures",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeployerInfo)
	prometheus.MustRegister(ActiveContainers)
	prometheus.MustRegister(ContainerDeploymentsTotal)
	prometheus.MustRegister(ContainerDeploymentDuration)
	prometheus.MustRegister(ContainerLifetime)
	prometheus.MustRegister(ContainerRestarts)
	prometheus.MustRegister(ContainerExtensions)
	prometheus.MustRegister(RateLimitChecks)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(ResourceQuotaChecks)
	prometheus.MustRegister(ResourceQuotaRejections)
	prometheus.MustRegister(ResourceUsagePercent)
	prometheus.MustRegister(ResourceCurrent)
	prometheus.MustRegister(ResourceLimit)
	prometheus.MustRegister(CaptchaGenerated)
	prometheus.MustRegister(CaptchaValidations)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(DatabaseOperations)
	prometheus.MustRegister(DatabaseOperationDuration)
	prometheus.MustRegister(DatabaseConnectionPool)
	prometheus.MustRegister(PortPool)
	prometheus.MustRegister(PortAllocationFailures)
}

// SetDeployerInfo publishes the static info series once at startup.
func SetDeployerInfo(version, challenge, hostname string) {
	DeployerInfo.WithLabelValues(version, challenge, hostname).Set(1)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
