// Package statistics builds the configured statistics backends and fans job
// events out to all of them.
package statistics

import (
	"fmt"

	"github.com/BranchIntl/mailqueue/core"
	"github.com/BranchIntl/mailqueue/statistics/noop"
	"github.com/BranchIntl/mailqueue/statistics/prometheus"
	"github.com/BranchIntl/mailqueue/statistics/redis"
)

// StatsType represents the type of statistics backend
type StatsType string

const (
	Redis      StatsType = "redis"
	Prometheus StatsType = "prometheus"
	NoOp       StatsType = "noop"
)

// Config selects backends and carries their options
type Config struct {
	Types      []StatsType
	Redis      redis.Options
	Prometheus prometheus.Options
}

// DefaultConfig returns a Prometheus-only configuration
func DefaultConfig() Config {
	return Config{
		Types:      []StatsType{Prometheus},
		Redis:      redis.DefaultOptions(),
		Prometheus: prometheus.DefaultOptions(),
	}
}

// NewStatistics creates the configured backends. No types yields a no-op
// backend, one type that backend, several a Multi over them.
func NewStatistics(config Config) (core.Statistics, error) {
	var backends []core.Statistics
	for _, t := range config.Types {
		switch t {
		case Redis:
			backends = append(backends, redis.NewStatistics(config.Redis))
		case Prometheus:
			backends = append(backends, prometheus.NewStatistics(config.Prometheus))
		case NoOp:
			backends = append(backends, noop.NewStatistics())
		default:
			return nil, fmt.Errorf("unknown statistics type: %s", t)
		}
	}

	switch len(backends) {
	case 0:
		return noop.NewStatistics(), nil
	case 1:
		return backends[0], nil
	default:
		return NewMulti(backends...), nil
	}
}
