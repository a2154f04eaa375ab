package dataset

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	testutil "github.com/llmariner/mnist-serving/common/pkg/test"
	"github.com/llmariner/mnist-serving/trainer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CachedFiles(t *testing.T) {
	dir := t.TempDir()
	files := fakeDatasetFiles(t, 12, 5)
	for name, b := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
	}

	c := config.DatasetConfig{
		Name:    config.DatasetMNIST,
		DataDir: dir,
		// Unused as all files exist.
		SourceURL: "http://127.0.0.1:1/",
	}
	train, test, err := Load(context.Background(), c, testutil.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 12, train.Len())
	assert.Equal(t, 5, test.Len())
	assert.Len(t, train.Images, 12*28*28)
	assert.Equal(t, uint8(3), train.Labels[3])
	assert.Equal(t, float32(3)/255, train.Images[3*28*28])
}

func TestLoad_Download(t *testing.T) {
	files := fakeDatasetFiles(t, 8, 4)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		b, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := config.DatasetConfig{
		Name:      config.DatasetMNIST,
		DataDir:   filepath.Join(t.TempDir(), "mnist"),
		SourceURL: srv.URL + "/mnist/",
	}
	train, test, err := Load(context.Background(), c, testutil.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 4, test.Len())
	assert.Equal(t, int32(4), requests.Load())

	// Files are reused on the second load.
	_, _, err = Load(context.Background(), c, testutil.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int32(4), requests.Load())
}

func TestLoad_SourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := config.DatasetConfig{
		Name:      config.DatasetMNIST,
		DataDir:   t.TempDir(),
		SourceURL: srv.URL,
	}
	_, _, err := Load(context.Background(), c, testutil.NewTestLogger(t))
	assert.Error(t, err)

	entries, err := os.ReadDir(c.DataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoad_MismatchedCounts(t *testing.T) {
	dir := t.TempDir()
	files := fakeDatasetFiles(t, 6, 3)
	other := fakeDatasetFiles(t, 7, 3)
	files[trainLabelsFile] = other[trainLabelsFile]
	for name, b := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
	}

	c := config.DatasetConfig{Name: config.DatasetMNIST, DataDir: dir, SourceURL: "http://127.0.0.1:1/"}
	_, _, err := Load(context.Background(), c, testutil.NewTestLogger(t))
	assert.Error(t, err)
}

func TestReadIDX_Invalid(t *testing.T) {
	tcs := []struct {
		name string
		b    []byte
	}{
		{name: "empty", b: nil},
		{name: "bad magic", b: []byte{1, 0, 8, 1, 0, 0, 0, 0}},
		{name: "float elements", b: []byte{0, 0, 0x0d, 1, 0, 0, 0, 0}},
		{name: "short data", b: []byte{0, 0, 8, 1, 0, 0, 0, 3, 1, 2}},
		{name: "zero dim", b: []byte{0, 0, 8, 2, 0, 0, 0, 0, 0, 0, 0, 1}},
		{
			name: "oversized header",
			b:    []byte{0, 0, 8, 3, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		},
		{
			name: "declared size above limit",
			b:    []byte{0, 0, 8, 2, 0, 0x01, 0, 0, 0, 0, 0x10, 0x01},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := readIDX(bytes.NewReader(tc.b))
			assert.Error(t, err)
		})
	}
}

// fakeDatasetFiles returns gzip compressed IDX files. The first pixel and the
// label of sample i are derived from i.
func fakeDatasetFiles(t *testing.T, numTrain, numTest int) map[string][]byte {
	files := map[string][]byte{}
	for _, s := range []struct {
		n              int
		images, labels string
	}{
		{numTrain, trainImagesFile, trainLabelsFile},
		{numTest, testImagesFile, testLabelsFile},
	} {
		pixels := make([]byte, s.n*28*28)
		labels := make([]byte, s.n)
		for i := 0; i < s.n; i++ {
			pixels[i*28*28] = byte(i)
			labels[i] = byte(i % NumClasses)
		}
		files[s.images] = gzipIDX(t, []int{s.n, 28, 28}, pixels)
		files[s.labels] = gzipIDX(t, []int{s.n}, labels)
	}
	return files
}

func gzipIDX(t *testing.T, dims []int, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	header := []byte{0, 0, idxTypeUnsignedByte, byte(len(dims))}
	for _, d := range dims {
		header = append(header, byte(d>>24), byte(d>>16), byte(d>>8), byte(d))
	}
	_, err := zw.Write(header)
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
