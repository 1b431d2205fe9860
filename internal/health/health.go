// Package health is the diagnostic suite behind the health-check CLI
// command. Each check probes one dependency and reports ok, warning or
// error; the worst result decides the process exit code.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome class of a check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one check.
type Result struct {
	ID      string
	Status  Status
	Message string
	Took    time.Duration
}

// Check probes one dependency of the service.
type Check interface {
	ID() string
	Run(ctx context.Context) Result
}

const checkTimeout = 10 * time.Second

// Suite runs a fixed list of checks in order.
type Suite struct {
	checks []Check
	logger *zap.Logger
}

// NewSuite builds a suite running the given checks.
func NewSuite(logger *zap.Logger, checks ...Check) *Suite {
	return &Suite{checks: checks, logger: logger}
}

// Run executes every check and returns the results in registration
// order. A slow check is cut off after checkTimeout.
func (s *Suite) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.checks))
	for _, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		res := check.Run(cctx)
		cancel()
		res.ID = check.ID()
		res.Took = time.Since(start)
		s.logger.Debug("Health check finished",
			zap.String("check", res.ID),
			zap.String("status", res.Status.String()),
			zap.Duration("took", res.Took),
		)
		results = append(results, res)
	}
	return results
}

// Worst returns the most severe status of the results.
func Worst(results []Result) Status {
	worst := StatusOK
	for _, r := range results {
		if r.Status > worst {
			worst = r.Status
		}
	}
	return worst
}
