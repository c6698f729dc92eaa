package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []Tensor{
		{Name: "b", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "a", Shape: []int{1}, Data: []float32{-0.5}},
	}
	require.NoError(t, Write(path, tensors, map[string]string{"format": "pt"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, (8+headerSize)%8)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"a", "b"}, f.Names())
	assert.Equal(t, map[string]string{"format": "pt"}, f.Metadata())

	info, ok := f.Info("b")
	require.True(t, ok)
	assert.Equal(t, "F32", info.Dtype)
	assert.Equal(t, []int{2, 3}, info.Shape)
	assert.Equal(t, 6, info.NumElements())

	got := make([]float32, 6)
	require.NoError(t, f.ReadInto("b", got))
	assert.Equal(t, tensors[0].Data, got)
	one := make([]float32, 1)
	require.NoError(t, f.ReadInto("a", one))
	assert.Equal(t, float32(-0.5), one[0])

	assert.Error(t, f.ReadInto("b", make([]float32, 5)))
	assert.Error(t, f.ReadInto("missing", one))
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := Write(path, []Tensor{{Name: "x", Shape: []int{3}, Data: []float32{1}}}, nil)
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func writeRaw(t *testing.T, header string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	buf := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestReadBF16(t *testing.T) {
	path := writeRaw(t, `{"x":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]}}`, []byte{0x80, 0x3f, 0x00, 0xc0})
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()
	got := make([]float32, 2)
	require.NoError(t, f.ReadInto("x", got))
	assert.Equal(t, []float32{1, -2}, got)
}

func TestOpenRejectsBadFiles(t *testing.T) {
	_, err := Open(writeRaw(t, `{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, []byte{0, 0, 0, 0}))
	assert.Error(t, err)

	_, err = Open(writeRaw(t, `{not json`, nil))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "short.safetensors")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1<<20)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	_, err = Open(path)
	assert.Error(t, err)

	f, err := Open(writeRaw(t, `{"x":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8)))
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, f.ReadInto("x", make([]float32, 1)))
}
