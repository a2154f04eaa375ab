package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

const (
	idxTypeUnsignedByte = 0x08

	imagesDims = 3
	labelsDims = 1

	// maxIDXBytes bounds the data size declared by an IDX header. The MNIST
	// training images take 47 MB.
	maxIDXBytes = 1 << 28
)

// readIDXFile reads a gzip compressed IDX file of unsigned bytes.
func readIDXFile(path string, wantDims int) ([]int, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: gzip: %s", path, err)
	}
	defer func() { _ = zr.Close() }()

	dims, data, err := readIDX(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %s", path, err)
	}
	if len(dims) != wantDims {
		return nil, nil, fmt.Errorf("%s: got %d dimensions, want %d", path, len(dims), wantDims)
	}
	return dims, data, nil
}

// readIDX parses the IDX format: two zero bytes, the element type, the number
// of dimensions, one big-endian uint32 per dimension and the data.
func readIDX(r io.Reader) ([]int, []byte, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, fmt.Errorf("read magic: %s", err)
	}
	if magic[0] != 0 || magic[1] != 0 {
		return nil, nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if magic[2] != idxTypeUnsignedByte {
		return nil, nil, fmt.Errorf("unsupported element type: 0x%02x", magic[2])
	}
	n := int(magic[3])
	if n == 0 {
		return nil, nil, fmt.Errorf("no dimensions")
	}

	raw := make([]uint32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, nil, fmt.Errorf("read dimensions: %s", err)
	}
	dims := make([]int, n)
	size := 1
	for i, d := range raw {
		if d == 0 || int(d) > maxIDXBytes/size {
			return nil, nil, fmt.Errorf("invalid dimensions: %v", raw)
		}
		dims[i] = int(d)
		size *= int(d)
	}

	// Let the buffer grow with the data actually present so that a truncated
	// file does not allocate the declared size.
	data, err := io.ReadAll(io.LimitReader(r, int64(size)))
	if err != nil {
		return nil, nil, fmt.Errorf("read data: %s", err)
	}
	if len(data) != size {
		return nil, nil, fmt.Errorf("read data: got %d bytes, want %d", len(data), size)
	}
	return dims, data, nil
}
