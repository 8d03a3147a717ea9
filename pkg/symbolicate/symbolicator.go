// Package symbolicate resolves raw stack addresses into function names using
// symbol tables obtained through the shared cache.
package symbolicate

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/milescrabill/tecken/pkg/symcache"
	"github.com/milescrabill/tecken/pkg/symfile"
)

// Fetcher retrieves raw symbol files. *symsource.Chain satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, key symfile.ModuleKey) ([]byte, error)
}

type Config struct {
	// MaxConcurrentLoads bounds how many module loads a single request fans
	// out at once, so a wide memory map cannot overwhelm the backends.
	MaxConcurrentLoads int `yaml:"max_concurrent_loads"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrentLoads, "symbolicate.max-concurrent-loads", 8, "Maximum number of symbol files loaded concurrently per request.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrentLoads < 1 {
		return fmt.Errorf("invalid max-concurrent-loads value, must be positive")
	}
	return nil
}

// Symbolicator is the engine entry point external collaborators call with a
// decoded request.
type Symbolicator struct {
	logger  log.Logger
	cfg     Config
	cache   *symcache.Cache
	source  Fetcher
	metrics *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, cache *symcache.Cache, source Fetcher) (*Symbolicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Symbolicator{
		logger:  logger,
		cfg:     cfg,
		cache:   cache,
		source:  source,
		metrics: newMetrics(reg),
	}, nil
}

// Symbolicate resolves every frame of every stack in req. The response
// preserves input stack and frame order exactly. No individual module
// failure aborts the batch; frames of an unavailable module come back with a
// nil function and their raw offset preserved. Only a structurally invalid
// request returns an error.
func (s *Symbolicator) Symbolicate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.requestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err := validateRequest(req); err != nil {
		status = statusInvalid
		return nil, err
	}

	tables, err := s.loadReferencedModules(ctx, req)
	if err != nil {
		status = statusError
		return nil, err
	}

	resp := &Response{
		Stacks:       make([][]ResolvedFrame, len(req.Stacks)),
		KnownModules: make([]bool, len(req.MemoryMap)),
	}
	for i, t := range tables {
		resp.KnownModules[i] = t != nil
	}
	for si, stack := range req.Stacks {
		out := make([]ResolvedFrame, len(stack))
		for fi, frame := range stack {
			out[fi] = s.resolveFrame(req, tables, frame)
		}
		resp.Stacks[si] = out
	}
	return resp, nil
}

// loadReferencedModules fetches the tables for the distinct modules any
// frame actually references. Unreferenced memory-map entries never trigger a
// fetch. The request's latency is bounded by the slowest needed module, not
// the sum: loads run concurrently and join here.
func (s *Symbolicator) loadReferencedModules(ctx context.Context, req *Request) ([]*symfile.Table, error) {
	referenced := make(map[int]struct{})
	for _, stack := range req.Stacks {
		for _, frame := range stack {
			if frame.ModuleIndex >= 0 && frame.ModuleIndex < len(req.MemoryMap) {
				referenced[frame.ModuleIndex] = struct{}{}
			}
		}
	}

	tables := make([]*symfile.Table, len(req.MemoryMap))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentLoads)

	for idx := range referenced {
		key := req.MemoryMap[idx].Key()
		if err := key.Validate(); err != nil {
			// Malformed entry: the module is unavailable, not the request.
			level.Debug(s.logger).Log("msg", "skipping malformed memory map entry", "index", idx, "err", err)
			s.metrics.moduleLoadsTotal.WithLabelValues(statusInvalid).Inc()
			continue
		}
		g.Go(func() error {
			table, err := s.cache.GetOrLoad(gctx, key, func(loadCtx context.Context) (*symfile.Table, error) {
				data, fetchErr := s.source.Fetch(loadCtx, key)
				if fetchErr != nil {
					return nil, fetchErr
				}
				return symfile.Parse(key, data)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				level.Debug(s.logger).Log("msg", "module unavailable", "module", key, "err", err)
				s.metrics.moduleLoadsTotal.WithLabelValues(statusError).Inc()
				return nil
			}
			s.metrics.moduleLoadsTotal.WithLabelValues(statusSuccess).Inc()
			tables[idx] = table
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *Symbolicator) resolveFrame(req *Request, tables []*symfile.Table, frame Frame) ResolvedFrame {
	res := ResolvedFrame{ModuleOffset: frame.Offset}
	if frame.ModuleIndex < 0 || frame.ModuleIndex >= len(req.MemoryMap) {
		s.metrics.framesTotal.WithLabelValues(outcomeNoModule).Inc()
		return res
	}
	mod := req.MemoryMap[frame.ModuleIndex]
	res.Module = &mod.DebugFile

	table := tables[frame.ModuleIndex]
	if table == nil {
		s.metrics.framesTotal.WithLabelValues(outcomeUnresolved).Inc()
		return res
	}
	sym, ok := table.Lookup(frame.Offset)
	if !ok {
		// Below the first known symbol.
		s.metrics.framesTotal.WithLabelValues(outcomeUnresolved).Inc()
		return res
	}
	name := sym.Name
	functionOffset := frame.Offset - sym.Addr
	res.Function = &name
	res.FunctionOffset = &functionOffset
	if line, ok := table.SourceLineFor(frame.Offset); ok {
		res.File = line.File
		res.Line = line.Line
	}
	s.metrics.framesTotal.WithLabelValues(outcomeResolved).Inc()
	return res
}

func validateRequest(req *Request) error {
	if req == nil {
		return InvalidRequestError{Reason: "empty request"}
	}
	if req.MemoryMap == nil {
		for _, stack := range req.Stacks {
			for _, frame := range stack {
				if frame.ModuleIndex >= 0 {
					return InvalidRequestError{Reason: "stacks reference modules but memoryMap is missing"}
				}
			}
		}
	}
	return nil
}
