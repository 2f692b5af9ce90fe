// Package config loads deployd configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// DatabaseURL selects the Postgres run store; empty falls back to the
	// in-memory store.
	DatabaseURL string

	ProtectedBranches []string
	Concurrency       int
	StageTimeout      time.Duration

	// DryRun swaps the AWS control plane and build system for in-process
	// fakes, exercising the whole pipeline locally.
	DryRun bool

	Environment string
	ClusterName string

	BuilderURL string

	KafkaBrokers []string
	KafkaTopic   string

	SNSTopicARN       string
	ApprovalsQueueURL string

	ArchiveBucket string
	ArchivePrefix string

	AuthKeysFile    string
	AllowDebugToken bool
	DebugToken      string

	TLSCertFile       string
	TLSKeyFile        string
	TLSClientCAFile   string
	RequireClientCert bool

	AutoscaleEnabled  bool
	AutoscaleInterval time.Duration
}

const (
	defaultAddr         = ":8071"
	defaultKafkaTopic   = "nexus.deploy.events"
	defaultEnvironment  = "production"
	defaultClusterName  = "NexusCluster"
	defaultConcurrency  = 4
	defaultStageTimeout = 15 * time.Minute
)

func Load() (Config, error) {
	cfg := Config{
		Addr:              getEnv("NEXUS_DEPLOY_ADDR", defaultAddr),
		DatabaseURL:       firstNonEmpty(os.Getenv("NEXUS_DEPLOY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		ProtectedBranches: getList("NEXUS_DEPLOY_PROTECTED_BRANCHES", []string{"main"}),
		Concurrency:       getInt("NEXUS_DEPLOY_CONCURRENCY", defaultConcurrency),
		StageTimeout:      getDuration("NEXUS_DEPLOY_STAGE_TIMEOUT", defaultStageTimeout),
		DryRun:            getBool("NEXUS_DEPLOY_DRY_RUN", false),
		Environment:       getEnv("NEXUS_DEPLOY_ENVIRONMENT", defaultEnvironment),
		ClusterName:       getEnv("NEXUS_DEPLOY_CLUSTER_NAME", defaultClusterName),
		BuilderURL:        os.Getenv("NEXUS_DEPLOY_BUILDER_URL"),
		KafkaBrokers:      getList("NEXUS_DEPLOY_KAFKA_BROKERS", nil),
		KafkaTopic:        getEnv("NEXUS_DEPLOY_KAFKA_TOPIC", defaultKafkaTopic),
		SNSTopicARN:       os.Getenv("NEXUS_DEPLOY_SNS_TOPIC_ARN"),
		ApprovalsQueueURL: os.Getenv("NEXUS_DEPLOY_APPROVALS_QUEUE_URL"),
		ArchiveBucket:     os.Getenv("NEXUS_DEPLOY_ARCHIVE_BUCKET"),
		ArchivePrefix:     os.Getenv("NEXUS_DEPLOY_ARCHIVE_PREFIX"),
		AuthKeysFile:      os.Getenv("NEXUS_DEPLOY_AUTH_KEYS_FILE"),
		AllowDebugToken:   getBool("NEXUS_DEPLOY_ALLOW_DEBUG_TOKEN", false),
		DebugToken:        os.Getenv("NEXUS_DEPLOY_DEBUG_TOKEN"),
		TLSCertFile:       os.Getenv("NEXUS_DEPLOY_TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("NEXUS_DEPLOY_TLS_KEY_FILE"),
		TLSClientCAFile:   os.Getenv("NEXUS_DEPLOY_TLS_CLIENT_CA_FILE"),
		RequireClientCert: getBool("NEXUS_DEPLOY_REQUIRE_CLIENT_CERT", false),
		AutoscaleEnabled:  getBool("NEXUS_DEPLOY_AUTOSCALE_ENABLED", false),
		AutoscaleInterval: getDuration("NEXUS_DEPLOY_AUTOSCALE_INTERVAL", time.Minute),
	}

	if cfg.AuthKeysFile == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("NEXUS_DEPLOY_AUTH_KEYS_FILE required unless NEXUS_DEPLOY_ALLOW_DEBUG_TOKEN=true")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("NEXUS_DEPLOY_DEBUG_TOKEN required when NEXUS_DEPLOY_ALLOW_DEBUG_TOKEN=true")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("NEXUS_DEPLOY_TLS_CERT_FILE and NEXUS_DEPLOY_TLS_KEY_FILE must be set together")
	}
	if cfg.Concurrency <= 0 {
		return Config{}, fmt.Errorf("NEXUS_DEPLOY_CONCURRENCY must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
