package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "splitlab-server"
	AppDescription = "Online experimentation engine"
	AppVersion     = "0.1.0"

	// API constants
	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	// Default configuration values
	DefaultPort            = 8080
	DefaultMetricsPort     = 9090
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Storage defaults
	DefaultStorageBackend    = "memory"
	DefaultStorageTimeout    = 30 * time.Second
	DefaultMaxConnections    = 100
	DefaultMaxIdleConns      = 10
	DefaultConnectionTimeout = 10 * time.Second
	DefaultConnMaxLifetime   = 5 * time.Minute

	// Redis defaults
	DefaultRedisKeyPrefix    = "splitlab"
	DefaultAuditStream       = "experiment-events"
	DefaultAuditStreamMaxLen = 100000

	// Scheduler defaults
	DefaultSweepSchedule    = "@every 15m"
	DefaultSweepConcurrency = 8
)

// Engine constants
const (
	// Monte Carlo draws per Bayesian comparison
	DefaultMonteCarloDraws = 10000

	// Draw count ceiling accepted from configuration
	MaxMonteCarloDraws = 200000

	// Default confidence level in percent
	DefaultConfidenceLevel = 95.0

	// Default per-arm sample size before analysis is trusted
	DefaultMinimumSampleSize int64 = 100

	// Sample size recommendation when no estimate is possible
	DefaultRecommendedSampleSize int64 = 1000

	// Target power, in percent, for sample size recommendations
	DefaultTargetPower = 80.0

	// Running experiments older than this are stopped
	DefaultMaxExperimentDuration = 30 * 24 * time.Hour

	// Total assignments must reach this multiple of the minimum
	// sample size before the Bayesian stop rule is consulted
	BayesianCheckSampleMultiplier = 2

	// Split sum tolerance in percentage points
	TrafficSplitTolerance = 0.01

	// Variants converting below this rate (percent) are flagged
	LowConversionRatePercent = 1.0

	// Bayesian decision thresholds
	DeployWinProbability  = 0.95
	DeployMaxExpectedLoss = 0.01
	StopWinProbability    = 0.10
	StopMinExpectedLoss   = 0.05
)
