package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	testutil "github.com/llmariner/mnist-serving/common/pkg/test"
	"github.com/stretchr/testify/assert"
)

func TestWithRequestLogging(t *testing.T) {
	var gotLogger bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := logr.FromContext(r.Context())
		gotLogger = err == nil
		w.WriteHeader(http.StatusTeapot)
	})
	h := WithRequestLogging(next, testutil.NewTestLogger(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.True(t, gotLogger)
	_, err := uuid.Parse(w.Header().Get(requestIDHeader))
	assert.NoError(t, err)

	// An incoming request ID is kept.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	_, err := rec.Write([]byte("x"))
	assert.NoError(t, err)
	rec.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, rec.code)
}
