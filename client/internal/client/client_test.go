package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/llmariner/mnist-serving/common/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictFile(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	path := filepath.Join(t.TempDir(), "test_image_3.png")
	require.NoError(t, os.WriteFile(path, image, 0644))

	var got api.PredictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mnist", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"class": 3}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := New(srv.URL+"/mnist", &out)
	err := c.PredictFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString(image), got.Image)
	decoded, err := got.DecodeImage()
	require.NoError(t, err)
	assert.Equal(t, image, decoded)

	want := "Reading image from " + path + "\n" +
		"POST to " + srv.URL + "/mnist\n" +
		"Response (200)\n" +
		"Content: {\n    \"class\": 3\n}\n"
	assert.Equal(t, want, out.String())
}

func TestPredict_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := New(srv.URL, &out)
	err := c.Predict(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Response (404)\n")
	assert.Contains(t, out.String(), "Body: not found\n")
	assert.NotContains(t, out.String(), "Content:")
}

func TestPredict_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{"))
	}))
	defer srv.Close()

	c := New(srv.URL, io.Discard)
	err := c.Predict(context.Background(), []byte("img"))
	assert.Error(t, err)
}

func TestPredictFile_Missing(t *testing.T) {
	c := New("http://127.0.0.1:0/mnist", io.Discard)
	err := c.PredictFile(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestPredict_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, io.Discard)
	err := c.Predict(context.Background(), []byte("img"))
	assert.Error(t, err)
}
