package handler

import (
	"github.com/echolens/opinionmap/internal/store/postgres"
	"github.com/echolens/opinionmap/pkg/apierr"
)

var validSamplePolicies = map[string]bool{
	"":        true, // defaults to "recent"
	"recent":  true,
	"uniform": true,
}

// sessionLimits carries the deployment's sample-size bounds into request
// validation, so an oversized request is rejected before a session row or
// queue message exists.
type sessionLimits struct {
	MinSampleSize int
	MaxSampleSize int
}

func validateSessionConfig(cfg postgres.SessionConfig, limits sessionLimits) *apierr.Error {
	if cfg.DateFrom.IsZero() || cfg.DateTo.IsZero() || !cfg.DateFrom.Before(cfg.DateTo) {
		return apierr.InvalidDateRange()
	}
	if cfg.SampleSize != 0 {
		if cfg.SampleSize > limits.MaxSampleSize {
			return apierr.SampleSizeTooLarge(limits.MaxSampleSize)
		}
		if cfg.SampleSize < limits.MinSampleSize {
			return apierr.SampleSizeTooSmall(limits.MinSampleSize)
		}
	}
	if !validSamplePolicies[cfg.SamplePolicy] {
		return apierr.InvalidSamplePolicy()
	}
	return nil
}

// normalizeSessionConfig applies defaults after validation.
func normalizeSessionConfig(cfg postgres.SessionConfig, limits sessionLimits) postgres.SessionConfig {
	if cfg.SampleSize == 0 {
		cfg.SampleSize = limits.MaxSampleSize
	}
	if cfg.SamplePolicy == "" {
		cfg.SamplePolicy = "recent"
	}
	cfg.DateFrom = cfg.DateFrom.UTC()
	cfg.DateTo = cfg.DateTo.UTC()
	return cfg
}

// clampListWindow bounds list pagination.
func clampListWindow(limit, offset int) (int32, int32) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return int32(limit), int32(offset)
}
