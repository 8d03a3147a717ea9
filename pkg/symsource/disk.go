package symsource

import (
	"bytes"
	"context"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// LocalDiskSource is a filesystem-backed bucket source used as the fast
// first tier in a chain. Remote hits can be written back into it.
type LocalDiskSource struct {
	*BucketSource
}

func NewLocalDiskSource(logger log.Logger, dir string, cfg BucketConfig) (*LocalDiskSource, error) {
	bkt, err := filesystem.NewBucket(dir)
	if err != nil {
		return nil, err
	}
	return &LocalDiskSource{
		BucketSource: NewBucketSource(logger, "local-disk", bkt, cfg),
	}, nil
}

// Put persists a symbol file fetched from a slower tier. Callers treat
// failures as best-effort. The key is validated again here because Put
// writes to the filesystem directly.
func (s *LocalDiskSource) Put(ctx context.Context, key symfile.ModuleKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.bucket.Upload(ctx, StorageKey(key), bytes.NewReader(data))
}
