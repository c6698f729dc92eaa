// Package safetensors reads and writes float32 tensors in the safetensors
// format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 * 1024 * 1024
)

// Tensor is a named float32 tensor to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// TensorInfo is the header entry of one tensor.
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// NumElements returns the product of the shape.
func (ti *TensorInfo) NumElements() int {
	n := 1
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// Write stores tensors in order, with optional string metadata, at path.
// The file is written next to path and renamed into place.
func Write(path string, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensors {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return errors.Errorf("tensor %s: shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
		}
		if _, dup := header[t.Name]; dup {
			return errors.Errorf("duplicate tensor %s", t.Name)
		}
		size := int64(4 * n)
		header[t.Name] = TensorInfo{Dtype: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmp)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	err = binary.Write(w, binary.LittleEndian, uint64(len(raw)))
	if err == nil {
		_, err = w.Write(raw)
	}
	for _, t := range tensors {
		if err != nil {
			break
		}
		err = binary.Write(w, binary.LittleEndian, t.Data)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	return os.Rename(tmp, path)
}

// File is a memory-mapped safetensors file.
type File struct {
	r          *mmap.ReaderAt
	tensors    map[string]*TensorInfo
	metadata   map[string]string
	dataOffset int64
}

// Open maps path and parses its header.
func Open(path string) (*File, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %s", path)
	}
	f, err := parse(r)
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(err, "invalid safetensors file %s", path)
	}
	return f, nil
}

func parse(r *mmap.ReaderAt) (*File, error) {
	var sizeBuf [8]byte
	if _, err := r.ReadAt(sizeBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, "failed to read header size")
	}
	headerSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if headerSize > maxHeaderSize || int64(headerSize)+8 > int64(r.Len()) {
		return nil, errors.Errorf("header size out of range: %d bytes", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := r.ReadAt(headerBytes, 8); err != nil {
		return nil, errors.Wrap(err, "failed to read header JSON")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}
	f := &File{
		r:          r,
		tensors:    make(map[string]*TensorInfo, len(rawHeader)),
		metadata:   map[string]string{},
		dataOffset: int64(8 + headerSize),
	}
	dataLen := int64(r.Len()) - f.dataOffset
	for key, value := range rawHeader {
		if key == metadataKey {
			if err := json.Unmarshal(value, &f.metadata); err != nil {
				return nil, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(value, &ti); err != nil {
			return nil, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		if ti.DataOffsets[0] < 0 || ti.DataOffsets[1] < ti.DataOffsets[0] || ti.DataOffsets[1] > dataLen {
			return nil, errors.Errorf("tensor %s: data offsets %v outside file", key, ti.DataOffsets)
		}
		f.tensors[key] = &ti
	}
	return f, nil
}

// Names returns the sorted tensor names.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info returns the header entry of a tensor.
func (f *File) Info(name string) (*TensorInfo, bool) {
	ti, ok := f.tensors[name]
	return ti, ok
}

// Metadata returns the __metadata__ entries.
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// ReadInto decodes tensor name into dst, which must have exactly as many
// elements. F32 and BF16 tensors are supported.
func (f *File) ReadInto(name string, dst []float32) error {
	ti, ok := f.tensors[name]
	if !ok {
		return errors.Errorf("tensor %s not found", name)
	}
	if n := ti.NumElements(); n != len(dst) {
		return errors.Errorf("tensor %s has %d elements (shape %v), want %d", name, n, ti.Shape, len(dst))
	}
	var width int64
	switch ti.Dtype {
	case "F32":
		width = 4
	case "BF16":
		width = 2
	default:
		return errors.Errorf("tensor %s: unsupported dtype %s", name, ti.Dtype)
	}
	size := ti.DataOffsets[1] - ti.DataOffsets[0]
	if size != width*int64(len(dst)) {
		return errors.Errorf("tensor %s: %d bytes for %d %s values", name, size, len(dst), ti.Dtype)
	}
	buf := make([]byte, size)
	if _, err := f.r.ReadAt(buf, f.dataOffset+ti.DataOffsets[0]); err != nil {
		return errors.Wrapf(err, "failed to read tensor %s", name)
	}
	for i := range dst {
		switch width {
		case 4:
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		case 2:
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return nil
}

// Close unmaps the file.
func (f *File) Close() error {
	return f.r.Close()
}
