package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	testutil "github.com/llmariner/mnist-serving/common/pkg/test"
	"github.com/stretchr/testify/assert"
)

func TestProbeHandler(t *testing.T) {
	tcs := []struct {
		name     string
		probes   []probe
		wantCode int
		wantBody string
	}{
		{
			name:     "no probes",
			wantCode: http.StatusOK,
			wantBody: "ok",
		},
		{
			name:     "ready",
			probes:   []probe{fakeProbe{ready: true}},
			wantCode: http.StatusOK,
			wantBody: "ok",
		},
		{
			name: "not ready",
			probes: []probe{
				fakeProbe{ready: true},
				fakeProbe{msg: "model is not loaded"},
				fakeProbe{msg: "store is down"},
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "model is not loaded,store is down\n",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			h := NewProbeHandler(testutil.NewTestLogger(t))
			for _, p := range tc.probes {
				h.AddProbe(p)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tc.wantCode, w.Code)
			assert.Equal(t, tc.wantBody, w.Body.String())
		})
	}
}

type fakeProbe struct {
	ready bool
	msg   string
}

func (p fakeProbe) IsReady() (bool, string) { return p.ready, p.msg }
