package symsource

import (
	"context"
	"flag"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/runutil"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// BucketConfig holds the retry and timeout policy for one bucket-backed
// symbol source.
type BucketConfig struct {
	Timeout       time.Duration  `yaml:"timeout"`
	Backoff       backoff.Config `yaml:"backoff"`
	Authoritative bool           `yaml:"authoritative"`
}

func (cfg *BucketConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 30*time.Second, "Per-attempt timeout for symbol file fetches from this backend.")
	f.BoolVar(&cfg.Authoritative, prefix+".authoritative", false, "Treat a miss from this backend as final, skipping the remaining backends.")
	cfg.Backoff.RegisterFlagsWithPrefix(prefix+".", f)
}

// DefaultBucketConfig returns the retry policy applied when no flags are
// registered: two retries with a short backoff, transient errors only.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Timeout: 30 * time.Second,
		Backoff: backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: 3,
		},
	}
}

// BucketSource fetches symbol files from an object storage bucket using the
// canonical <debug filename>/<debug id>/<sym filename> key layout.
type BucketSource struct {
	name   string
	bucket objstore.Bucket
	cfg    BucketConfig
	logger log.Logger
}

func NewBucketSource(logger log.Logger, name string, bucket objstore.Bucket, cfg BucketConfig) *BucketSource {
	return &BucketSource{
		name:   name,
		bucket: bucket,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *BucketSource) Name() string { return s.name }

func (s *BucketSource) Authoritative() bool { return s.cfg.Authoritative }

func (s *BucketSource) Fetch(ctx context.Context, key symfile.ModuleKey) ([]byte, error) {
	objectKey := StorageKey(key)

	var lastErr error
	boff := backoff.New(ctx, s.cfg.Backoff)
	for boff.Ongoing() {
		data, err := s.getObject(ctx, objectKey)
		if err == nil {
			return data, nil
		}
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, NotFoundError{Key: key}
		}
		// The caller going away is permanent. A per-attempt timeout is
		// not: the parent context is still live, so the retry proceeds.
		if ctx.Err() != nil {
			return nil, FetchError{Key: key, Err: errors.Wrapf(err, "bucket %s", s.name)}
		}
		lastErr = err
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, FetchError{Key: key, Err: errors.Wrapf(lastErr, "bucket %s", s.name)}
}

func (s *BucketSource) getObject(ctx context.Context, objectKey string) ([]byte, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	rc, err := s.bucket.Get(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer runutil.CloseWithLogOnErr(s.logger, rc, "close bucket reader")
	return io.ReadAll(rc)
}
