// Package savedmodel reads and writes model bundles.
//
// A bundle is a directory holding metadata.json, which describes the network
// and where each variable lives, and variables.bin, which holds the values of
// all variables as little-endian float32.
package savedmodel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/llmariner/mnist-serving/common/pkg/api"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
)

const (
	// FormatVersion is the only supported bundle format.
	FormatVersion = "mnist.v1"

	// MetadataFilename is the name of the metadata file in a bundle.
	MetadataFilename = "metadata.json"
	// VariablesFilename is the name of the variables file in a bundle.
	VariablesFilename = "variables.bin"

	inputName  = "inputs"
	outputName = "outputs"
)

// Filenames returns the files of a bundle in the order they must be written so
// that the metadata file always refers to complete variables.
func Filenames() []string {
	return []string{VariablesFilename, MetadataFilename}
}

// Metadata describes a bundle.
type Metadata struct {
	Format      string           `json:"format"`
	InputName   string           `json:"input_name"`
	OutputName  string           `json:"output_name"`
	InputShape  []int64          `json:"input_shape"`
	OutputShape []int64          `json:"output_shape"`
	Classes     []string         `json:"classes"`
	Layers      []LayerSpec      `json:"layers"`
	Training    *TrainingSummary `json:"training,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// LayerSpec is the configuration of a layer and the location of its variables.
type LayerSpec struct {
	nn.LayerConfig

	Variables []VariableSpec `json:"variables,omitempty"`
}

// VariableSpec locates a variable in the variables file.
type VariableSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	// Offset is the index of the first value, counted in float32 values.
	Offset int64 `json:"offset"`
}

// TrainingSummary records how the model was trained.
type TrainingSummary struct {
	Epochs       int          `json:"epochs"`
	BatchSize    int          `json:"batch_size"`
	LearningRate float64      `json:"learning_rate"`
	History      []EpochStats `json:"history,omitempty"`
}

// EpochStats holds the metrics of one epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// Save writes the network to dir. Each file is written to a temporary file and
// renamed so that readers never observe a partially written bundle file.
func Save(dir string, net *nn.Network, summary *TrainingSummary) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %s", err)
	}

	md := Metadata{
		Format:      FormatVersion,
		InputName:   inputName,
		OutputName:  outputName,
		InputShape:  batchShape(net.InputShape()),
		OutputShape: batchShape(net.OutputShape()),
		Training:    summary,
		CreatedAt:   time.Now().UTC(),
	}
	for i := 0; i < net.OutputShape().Size(); i++ {
		md.Classes = append(md.Classes, strconv.Itoa(i))
	}

	var data bytes.Buffer
	var offset int64
	for _, l := range net.Layers() {
		spec := LayerSpec{LayerConfig: l.Config()}
		for _, v := range l.Variables() {
			spec.Variables = append(spec.Variables, VariableSpec{
				Name:   v.Name,
				Shape:  v.Shape,
				Offset: offset,
			})
			if err := binary.Write(&data, binary.LittleEndian, v.Value); err != nil {
				return fmt.Errorf("encode variable %q: %s", v.Name, err)
			}
			offset += int64(len(v.Value))
		}
		md.Layers = append(md.Layers, spec)
	}

	b, err := json.MarshalIndent(&md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %s", err)
	}

	if err := writeFile(filepath.Join(dir, VariablesFilename), data.Bytes()); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, MetadataFilename), b)
}

// Model is a loaded bundle.
type Model struct {
	Metadata Metadata
	Network  *nn.Network
}

// Load reads the bundle in dir.
func Load(dir string) (*Model, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %s", err)
	}
	var md Metadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %s", err)
	}
	if md.Format != FormatVersion {
		return nil, fmt.Errorf("unsupported format: %q", md.Format)
	}
	if len(md.InputShape) < 2 {
		return nil, fmt.Errorf("invalid input shape: %v", md.InputShape)
	}

	if _, ok := boundedProduct(maxValues, md.InputShape[1:]...); !ok {
		return nil, fmt.Errorf("invalid input shape: %v", md.InputShape)
	}
	in := make(nn.Shape, 0, len(md.InputShape)-1)
	for _, d := range md.InputShape[1:] {
		in = append(in, int(d))
	}

	data, err := os.ReadFile(filepath.Join(dir, VariablesFilename))
	if err != nil {
		return nil, fmt.Errorf("read variables: %s", err)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("variables file has %d bytes, not a multiple of 4", len(data))
	}
	numValues := int64(len(data) / 4)

	var layers []nn.Layer
	prev := in
	var total int64
	for _, spec := range md.Layers {
		if err := checkLayerSize(spec.LayerConfig, prev, numValues); err != nil {
			return nil, err
		}
		l, err := nn.NewLayer(spec.LayerConfig, prev)
		if err != nil {
			return nil, err
		}
		vars := l.Variables()
		if len(vars) != len(spec.Variables) {
			return nil, fmt.Errorf("layer %q: got %d variables, want %d", spec.Name, len(spec.Variables), len(vars))
		}
		for i, v := range vars {
			vs := spec.Variables[i]
			if !nn.Shape(vs.Shape).Equal(v.Shape) {
				return nil, fmt.Errorf("variable %q: shape %v does not match %v", vs.Name, vs.Shape, v.Shape)
			}
			n := int64(len(v.Value))
			if vs.Offset < 0 || vs.Offset > numValues-n {
				return nil, fmt.Errorf("variable %q: out of range of the variables file", vs.Name)
			}
			decode(data[vs.Offset*4:(vs.Offset+n)*4], v.Value)
			total += n
		}
		layers = append(layers, l)
		prev = l.OutputShape()
	}
	if total != numValues {
		return nil, fmt.Errorf("variables file has %d values, metadata declares %d", numValues, total)
	}

	net, err := nn.New(in, layers...)
	if err != nil {
		return nil, err
	}
	if got := batchShape(net.OutputShape()); !equalInt64s(got, md.OutputShape) {
		return nil, fmt.Errorf("output shape %v does not match %v", got, md.OutputShape)
	}
	if len(md.Classes) != net.OutputShape().Size() {
		return nil, fmt.Errorf("got %d classes for %d outputs", len(md.Classes), net.OutputShape().Size())
	}
	return &Model{
		Metadata: md,
		Network:  net,
	}, nil
}

// maxValues bounds the number of values of a single input, variable or
// activation of a loaded network.
const maxValues = 1 << 26

// checkLayerSize rejects layer configurations whose variables cannot fit in
// the variables file or whose activations exceed maxValues, before any buffer
// is allocated for them.
func checkLayerSize(c nn.LayerConfig, in nn.Shape, numValues int64) error {
	var params, acts []int64
	switch c.Kind {
	case nn.KindConv2D:
		if len(in) != 3 || c.KernelSize <= 0 || c.KernelSize > in[0] || c.KernelSize > in[1] {
			// Left to nn.NewLayer to report.
			return nil
		}
		k := int64(c.KernelSize)
		params = []int64{k, k, int64(in[2]), int64(c.Filters)}
		acts = []int64{int64(in[0]) - k + 1, int64(in[1]) - k + 1, int64(c.Filters)}
	case nn.KindDense:
		params = []int64{int64(in.Size()), int64(c.Units)}
		acts = []int64{int64(c.Units)}
	default:
		return nil
	}
	if n, ok := boundedProduct(maxValues, params...); ok && n <= numValues {
		if _, ok := boundedProduct(maxValues, acts...); ok {
			return nil
		}
	}
	return fmt.Errorf("layer %q: too large for the variables file", c.Name)
}

// boundedProduct returns the product of dims. It returns false if a dim is
// not positive or the product exceeds limit.
func boundedProduct(limit int64, dims ...int64) (int64, bool) {
	p := int64(1)
	for _, d := range dims {
		if d <= 0 || d > limit/p {
			return 0, false
		}
		p *= d
	}
	return p, true
}

// Predict returns the most likely class of the input and its probability.
func (m *Model) Predict(input []float32) (*api.Prediction, error) {
	probs, err := m.Network.Predict(input)
	if err != nil {
		return nil, err
	}
	idx, conf := nn.Argmax(probs)
	label, err := strconv.Atoi(m.Metadata.Classes[idx])
	if err != nil || label < 0 || label > math.MaxUint8 {
		label = idx
	}
	return &api.Prediction{
		Label:      uint8(label),
		Confidence: conf,
	}, nil
}

func decode(b []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
}

func batchShape(s nn.Shape) []int64 {
	out := []int64{1}
	for _, d := range s {
		out = append(out, int64(d))
	}
	return out
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeFile(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %s", err)
	}
	if err := f.Chmod(0644); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("write %s: %s", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("rename %s: %s", filepath.Base(path), err)
	}
	return nil
}
