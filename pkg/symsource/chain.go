package symsource

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// The MS debugger asks every symbol server for these; no store ever has
// them, so they are rejected without consulting any backend.
const zeroDebugID = "000000000000000000000000000000000"

func shouldIgnore(key symfile.ModuleKey) bool {
	return key.DebugFile == "file.ptr" || key.DebugID == zeroDebugID
}

// Chain tries an ordered list of backends and stops at the first success.
// When the first backend is a LocalDiskSource, files found in a later tier
// are written back to it best-effort.
type Chain struct {
	logger  log.Logger
	sources []Source
	disk    *LocalDiskSource
	metrics *metrics
}

func NewChain(logger log.Logger, reg prometheus.Registerer, sources ...Source) *Chain {
	c := &Chain{
		logger:  logger,
		sources: sources,
		metrics: newMetrics(reg),
	}
	if len(sources) > 0 {
		if disk, ok := sources[0].(*LocalDiskSource); ok {
			c.disk = disk
		}
	}
	return c
}

// Fetch retrieves the raw symbol file for key from the first backend that
// has it. A NotFound from an authoritative backend is final. A transient
// failure of a non-terminal backend counts as that backend's miss; only the
// last backend's transient failure surfaces as a FetchError.
func (c *Chain) Fetch(ctx context.Context, key symfile.ModuleKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		level.Debug(c.logger).Log("msg", "rejecting malformed module key", "module", key, "err", err)
		return nil, NotFoundError{Key: key}
	}
	if shouldIgnore(key) {
		level.Debug(c.logger).Log("msg", "ignoring module", "module", key)
		return nil, NotFoundError{Key: key}
	}

	var (
		errs    *multierror.Error
		lastErr error
	)
	for i, src := range c.sources {
		start := time.Now()
		data, err := src.Fetch(ctx, key)
		c.metrics.fetchDuration.WithLabelValues(src.Name(), statusOf(err)).Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.fetchBytes.Observe(float64(len(data)))
			if i > 0 && c.disk != nil {
				c.writeback(ctx, key, data)
			}
			return data, nil
		}
		if IsNotFound(err) {
			if src.Authoritative() {
				level.Debug(c.logger).Log("msg", "authoritative miss", "source", src.Name(), "module", key)
				return nil, NotFoundError{Key: key}
			}
		} else {
			// The overall request being gone is not a backend miss.
			if ctx.Err() != nil {
				return nil, FetchError{Key: key, Err: ctx.Err()}
			}
			level.Warn(c.logger).Log("msg", "symbol source failed", "source", src.Name(), "module", key, "err", err)
			// Plain misses stay out of the aggregate so a FetchError never
			// unwraps to a NotFoundError.
			errs = multierror.Append(errs, err)
		}
		lastErr = err
	}

	if lastErr != nil && !IsNotFound(lastErr) {
		return nil, FetchError{Key: key, Err: errs.ErrorOrNil()}
	}
	return nil, NotFoundError{Key: key}
}

func (c *Chain) writeback(ctx context.Context, key symfile.ModuleKey, data []byte) {
	if err := c.disk.Put(ctx, key, data); err != nil {
		level.Debug(c.logger).Log("msg", "symbol writeback failed", "module", key, "err", err)
		c.metrics.writebacksTotal.WithLabelValues(statusError).Inc()
		return
	}
	c.metrics.writebacksTotal.WithLabelValues(statusSuccess).Inc()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case IsNotFound(err):
		return statusNotFound
	default:
		return statusError
	}
}
