package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
)

type s3Client interface {
	Upload(ctx context.Context, r io.Reader, key string) error
}

// New creates a publisher uploading bundles under the given key prefix.
func New(s3Client s3Client, prefix string, logger logr.Logger) *P {
	return &P{
		s3Client: s3Client,
		prefix:   prefix,
		logger:   logger.WithName("publisher"),
	}
}

// P uploads saved model bundles to an object store.
type P struct {
	s3Client s3Client
	prefix   string
	logger   logr.Logger
}

// Publish uploads the bundle in dir. The metadata file is uploaded last so
// that a downloader never sees metadata without its variables.
func (p *P) Publish(ctx context.Context, dir string) error {
	for _, name := range savedmodel.Filenames() {
		if err := p.upload(ctx, filepath.Join(dir, name), path.Join(p.prefix, name)); err != nil {
			return err
		}
	}
	p.logger.Info("Published saved model", "prefix", p.prefix)
	return nil
}

func (p *P) upload(ctx context.Context, filePath, key string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %s", filePath, err)
	}
	defer func() {
		_ = f.Close()
	}()

	p.logger.V(1).Info("Uploading", "path", filePath, "key", key)
	if err := p.s3Client.Upload(ctx, f, key); err != nil {
		return fmt.Errorf("upload %s: %s", key, err)
	}
	return nil
}
