package health

import (
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

// NewProbeHandler returns a new ProbeHandler.
func NewProbeHandler(logger logr.Logger) *ProbeHandler {
	return &ProbeHandler{
		logger: logger.WithName("health"),
	}
}

type probe interface {
	IsReady() (bool, string)
}

// ProbeHandler aggregates health probers.
type ProbeHandler struct {
	probes []probe
	logger logr.Logger
}

// AddProbe adds a health prober.
func (h *ProbeHandler) AddProbe(p probe) {
	h.probes = append(h.probes, p)
}

// ServeHTTP writes "ok" when every probe is ready, and the messages of the
// failing probes with 503 otherwise.
func (h *ProbeHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	var msgs []string
	for _, p := range h.probes {
		if r, msg := p.IsReady(); !r {
			msgs = append(msgs, msg)
		}
	}

	if len(msgs) > 0 {
		http.Error(w, strings.Join(msgs, ","), http.StatusServiceUnavailable)
		return
	}

	if _, err := w.Write([]byte("ok")); err != nil {
		h.logger.Error(err, "Failed to write health response")
	}
}
