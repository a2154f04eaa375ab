package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/api"
	"github.com/llmariner/mnist-serving/common/pkg/imageinput"
	"github.com/llmariner/mnist-serving/server/internal/rate"
)

// maxRequestBodyBytes bounds the size of a prediction request.
const maxRequestBodyBytes = 10 << 20

// CreatePrediction classifies the digit in the image of the request.
func (s *S) CreatePrediction(
	w http.ResponseWriter,
	req *http.Request,
	pathParams map[string]string,
) {
	st := time.Now()
	code := http.StatusOK
	defer func() {
		s.metricsMonitor.ObservePredictionLatency(code, time.Since(st))
	}()
	fail := func(msg string, c int) {
		code = c
		http.Error(w, msg, c)
	}
	log := logr.FromContextOrDiscard(req.Context())

	res, err := s.ratelimiter.Take(req.Context(), clientIP(req))
	if err != nil {
		log.Error(err, "Failed to take a rate limit token")
		fail(err.Error(), http.StatusInternalServerError)
		return
	}
	rate.SetRateLimitHTTPHeaders(w, res)
	if !res.Allowed {
		fail(http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	var predReq api.PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)).Decode(&predReq); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail("request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		fail(fmt.Sprintf("invalid request body: %s", err), http.StatusBadRequest)
		return
	}
	b, err := predReq.DecodeImage()
	if err != nil {
		fail(err.Error(), http.StatusBadRequest)
		return
	}
	input, err := imageinput.FromImageBytes(b)
	if err != nil {
		fail(err.Error(), http.StatusBadRequest)
		return
	}

	m := s.models.Get()
	if m == nil {
		fail("model is not loaded", http.StatusServiceUnavailable)
		return
	}
	pred, err := m.Predict(input)
	if err != nil {
		log.Error(err, "Failed to run the model")
		fail(fmt.Sprintf("inference: %s", err), http.StatusInternalServerError)
		return
	}
	s.metricsMonitor.ObservePrediction(pred.Label)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pred); err != nil {
		log.Error(err, "Failed to write the response")
		return
	}
	log.V(1).Info("Predicted", "label", pred.Label, "confidence", pred.Confidence, "duration", time.Since(st))
}

// clientIP returns the host part of the remote address of the request.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
