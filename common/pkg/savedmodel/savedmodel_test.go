package savedmodel

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	net := newTestNetwork(t)
	dir := filepath.Join(t.TempDir(), "saved_model")
	summary := &TrainingSummary{
		Epochs:       1,
		BatchSize:    64,
		LearningRate: 5e-4,
		History: []EpochStats{
			{Epoch: 1, Loss: 0.5, Accuracy: 0.8, ValLoss: 0.4, ValAccuracy: 0.85},
		},
	}
	require.NoError(t, Save(dir, net, summary))

	m, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, m.Metadata.Format)
	assert.Equal(t, []int64{1, 6, 6, 1}, m.Metadata.InputShape)
	assert.Equal(t, []int64{1, 3}, m.Metadata.OutputShape)
	assert.Equal(t, []string{"0", "1", "2"}, m.Metadata.Classes)
	if diff := cmp.Diff(summary, m.Metadata.Training); diff != "" {
		t.Errorf("training summary mismatch (-want +got):\n%s", diff)
	}

	want := net.Variables()
	got := m.Network.Variables()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Shape, got[i].Shape)
		assert.Equal(t, want[i].Value, got[i].Value)
	}

	x := make([]float32, 36)
	for i := range x {
		x[i] = float32(i) / 36
	}
	wantProbs, err := net.Predict(x)
	require.NoError(t, err)
	gotProbs, err := m.Network.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, wantProbs, gotProbs)

	p, err := m.Predict(x)
	require.NoError(t, err)
	idx, conf := nn.Argmax(wantProbs)
	assert.Equal(t, uint8(idx), p.Label)
	assert.Equal(t, conf, p.Confidence)

	_, err = m.Predict(x[:10])
	assert.Error(t, err)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, newTestNetwork(t), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{MetadataFilename, VariablesFilename}, names)
}

func TestLoad_Invalid(t *testing.T) {
	tcs := []struct {
		name   string
		mutate func(t *testing.T, dir string)
	}{
		{
			name: "missing metadata",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, MetadataFilename)))
			},
		},
		{
			name: "unknown format",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Format = "mnist.v0" })
			},
		},
		{
			name: "truncated variables",
			mutate: func(t *testing.T, dir string) {
				path := filepath.Join(dir, VariablesFilename)
				b, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, b[:len(b)-4], 0644))
			},
		},
		{
			name: "extra variables",
			mutate: func(t *testing.T, dir string) {
				path := filepath.Join(dir, VariablesFilename)
				b, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, append(b, 0, 0, 0, 0), 0644))
			},
		},
		{
			name: "variable shape mismatch",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Layers[0].Variables[1].Shape = []int{3} })
			},
		},
		{
			name: "negative input dim",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.InputShape = []int64{1, 6, -6, 1} })
			},
		},
		{
			name: "oversized input shape",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.InputShape = []int64{1, 1 << 40, 1 << 40, 1} })
			},
		},
		{
			name: "oversized dense layer",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Layers[2].Units = 1 << 40 })
			},
		},
		{
			name: "oversized conv filters",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Layers[0].Filters = 1 << 30 })
			},
		},
		{
			name: "overflowing offset",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Layers[0].Variables[0].Offset = math.MaxInt64 - 1 })
			},
		},
		{
			name: "unknown layer",
			mutate: func(t *testing.T, dir string) {
				updateMetadata(t, dir, func(md *Metadata) { md.Layers[0].Kind = "pool" })
			},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, Save(dir, newTestNetwork(t), nil))
			tc.mutate(t, dir)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoad_NonPositiveFlattenInput(t *testing.T) {
	dir := t.TempDir()
	md := Metadata{
		Format:      FormatVersion,
		InputShape:  []int64{1, -1},
		OutputShape: []int64{1, 10},
		Layers: []LayerSpec{
			{LayerConfig: nn.LayerConfig{Kind: nn.KindFlatten, Name: "flatten"}},
			{
				LayerConfig: nn.LayerConfig{Kind: nn.KindDense, Name: "outputs", Units: 10, Activation: nn.ActivationSoftmax},
				Variables: []VariableSpec{
					{Name: "outputs/kernel", Shape: []int{-1, 10}},
					{Name: "outputs/bias", Shape: []int{10}},
				},
			},
		},
	}
	b, err := json.Marshal(&md)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFilename), b, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VariablesFilename), make([]byte, 40), 0644))

	assert.NotPanics(t, func() {
		_, err = Load(dir)
	})
	assert.Error(t, err)
}

func newTestNetwork(t *testing.T) *nn.Network {
	conv, err := nn.NewConv2D("conv", nn.Shape{6, 6, 1}, 2, 3, nn.ActivationReLU)
	require.NoError(t, err)
	flatten := nn.NewFlatten("flatten", conv.OutputShape())
	dense, err := nn.NewDense("outputs", flatten.OutputShape(), 3, nn.ActivationSoftmax)
	require.NoError(t, err)
	net, err := nn.New(nn.Shape{6, 6, 1}, conv, flatten, dense)
	require.NoError(t, err)
	net.Initialize(rand.New(rand.NewPCG(7, 8)))
	return net
}

func updateMetadata(t *testing.T, dir string, f func(md *Metadata)) {
	path := filepath.Join(dir, MetadataFilename)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var md Metadata
	require.NoError(t, json.Unmarshal(b, &md))
	f(&md)
	b, err = json.Marshal(&md)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0644))
}
