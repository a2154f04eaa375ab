package modeldownloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
	s3client "github.com/llmariner/mnist-serving/pkg/s3"
)

// completionIndicationFilename is created in the model directory once all
// bundle files have been downloaded.
const completionIndicationFilename = "completed.txt"

type s3Client interface {
	Download(ctx context.Context, f io.WriterAt, path string) error
	ListObjectsPages(ctx context.Context, prefix string, f func(page *s3.ListObjectsV2Output, lastPage bool) bool) error
}

// New returns a new downloader.
func New(modelDir string, s3Client s3Client, logger logr.Logger) *D {
	return &D{
		modelDir: modelDir,
		s3Client: s3Client,
		logger:   logger.WithName("downloader"),
	}
}

// D downloads a saved model bundle from the object store.
type D struct {
	modelDir string

	s3Client s3Client

	logger logr.Logger
}

// Download downloads the bundle stored under prefix into the model directory.
func (d *D) Download(ctx context.Context, prefix string) error {
	if err := os.MkdirAll(d.modelDir, 0755); err != nil {
		return fmt.Errorf("create directory: %s", err)
	}
	// Check if the completion indication file exists. If so, download should have been completed with a previous run. Do not download again.
	completionIndicationFile := filepath.Join(d.modelDir, completionIndicationFilename)
	if _, err := os.Stat(completionIndicationFile); err == nil {
		d.logger.Info("The model has already been downloaded. Skipping the download.", "dir", d.modelDir)
		return nil
	}

	d.logger.Info("Downloading the model", "prefix", prefix)
	if err := d.checkBundle(ctx, prefix); err != nil {
		return err
	}
	// The metadata file comes last so that a watcher of the directory only
	// reloads a complete bundle.
	for _, name := range savedmodel.Filenames() {
		if err := d.downloadFile(ctx, path.Join(prefix, name), filepath.Join(d.modelDir, name)); err != nil {
			return err
		}
	}
	d.logger.Info("Downloaded the model", "dir", d.modelDir)

	// Create a file that indicates the completion of model download.
	f, err := os.Create(completionIndicationFile)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return nil
}

// checkBundle verifies that every bundle file exists under prefix.
func (d *D) checkBundle(ctx context.Context, prefix string) error {
	found := map[string]bool{}
	f := func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key != nil {
				found[*obj.Key] = true
			}
		}
		return lastPage
	}
	// Append "/" so that "mnist/v1" does not match "mnist/v10".
	if err := d.s3Client.ListObjectsPages(ctx, path.Clean(prefix)+"/", f); err != nil {
		// Listing needs a separate permission. Fall back to downloading the
		// files directly.
		if s3client.IsAccessDenied(err) {
			d.logger.Info("No permission to list objects. Skipping the bundle check.", "prefix", prefix)
			return nil
		}
		return fmt.Errorf("list objects under %q: %s", prefix, err)
	}
	for _, name := range savedmodel.Filenames() {
		if key := path.Join(prefix, name); !found[key] {
			return fmt.Errorf("no saved model under prefix %q: %s is missing", prefix, key)
		}
	}
	return nil
}

func (d *D) downloadFile(ctx context.Context, key, destPath string) error {
	f, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		_ = os.Remove(tmp)
	}()

	d.logger.V(1).Info("Downloading", "key", key)
	if err := d.s3Client.Download(ctx, f, key); err != nil {
		_ = f.Close()
		if s3client.IsNotFound(err) {
			return fmt.Errorf("no saved model under prefix: %s not found", key)
		}
		return fmt.Errorf("download %s: %s", key, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}
