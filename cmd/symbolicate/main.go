// Command symbolicate runs the symbolication engine offline: it reads a
// request ({"stacks": ..., "memoryMap": ...}) from a file or stdin, resolves
// it against the configured symbol sources, and prints the response JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/milescrabill/tecken/pkg/symbolicate"
	"github.com/milescrabill/tecken/pkg/symcache"
	"github.com/milescrabill/tecken/pkg/symsource"
)

var cfg struct {
	verbose      bool
	localDir     string
	mirrorURL    string
	maxCacheSize int64
	requestPath  string
}

func main() {
	app := kingpin.New("symbolicate", "Resolve crash stack addresses to function names using Breakpad symbol files.")
	app.Flag("verbose", "Enable debug logging.").Short('v').BoolVar(&cfg.verbose)
	app.Flag("local-dir", "Directory holding symbol files in <debug file>/<debug id>/<file>.sym layout.").Required().StringVar(&cfg.localDir)
	app.Flag("mirror-url", "Optional public symbol server to consult on local misses.").StringVar(&cfg.mirrorURL)
	app.Flag("max-cache-size", "Symbol table cache budget in bytes.").Default("536870912").Int64Var(&cfg.maxCacheSize)
	app.Arg("request", "Request JSON file. Reads stdin when omitted.").StringVar(&cfg.requestPath)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(os.Stderr)
	if cfg.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "symbolication failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	ctx := context.Background()

	disk, err := symsource.NewLocalDiskSource(logger, cfg.localDir, symsource.DefaultBucketConfig())
	if err != nil {
		return fmt.Errorf("open local symbol dir: %w", err)
	}
	sources := []symsource.Source{disk}
	if cfg.mirrorURL != "" {
		mirror, err := symsource.NewMirrorSource(logger, symsource.MirrorConfig{BaseURL: cfg.mirrorURL})
		if err != nil {
			return fmt.Errorf("create mirror source: %w", err)
		}
		sources = append(sources, mirror)
	}
	chain := symsource.NewChain(logger, nil, sources...)

	cache, err := symcache.New(logger, symcache.Config{MaxSizeBytes: cfg.maxCacheSize}, nil)
	if err != nil {
		return err
	}
	engine, err := symbolicate.New(logger, symbolicate.Config{MaxConcurrentLoads: 8}, nil, cache, chain)
	if err != nil {
		return err
	}

	req, err := readRequest()
	if err != nil {
		return err
	}
	resp, err := engine.Symbolicate(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func readRequest() (*symbolicate.Request, error) {
	var r io.Reader = os.Stdin
	if cfg.requestPath != "" {
		f, err := os.Open(cfg.requestPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	req := &symbolicate.Request{}
	if err := json.NewDecoder(r).Decode(req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
