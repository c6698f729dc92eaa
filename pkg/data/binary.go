package data

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// Int32ByteLen is the size of one encoded id.
	Int32ByteLen = 4
	// matrixMagic opens every token matrix file.
	matrixMagic int32 = 20241015
	// MaxTokenMatrixIDs bounds the ids a token matrix header may announce.
	MaxTokenMatrixIDs = 1 << 28
)

// WriteTokenMatrix writes fixed-length id rows as little-endian int32s,
// preceded by a header of magic, rows and columns.
func WriteTokenMatrix(w io.Writer, rows [][]int32) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	header := []int32{matrixMagic, int32(len(rows)), int32(cols)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("row %d has %d ids, expected %d", i, len(row), cols)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return nil
}

// ReadTokenMatrix reads a matrix written by WriteTokenMatrix.
func ReadTokenMatrix(r io.Reader) ([][]int32, error) {
	header := make([]int32, 3)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header[0] != matrixMagic {
		return nil, fmt.Errorf("incorrect header for token matrix")
	}
	nrows, ncols := int(header[1]), int(header[2])
	if nrows < 0 || ncols < 0 {
		return nil, fmt.Errorf("invalid token matrix shape %dx%d", nrows, ncols)
	}
	if int64(nrows)*int64(max(ncols, 1)) > MaxTokenMatrixIDs {
		return nil, fmt.Errorf("token matrix shape %dx%d exceeds %d ids", nrows, ncols, MaxTokenMatrixIDs)
	}
	rows := make([][]int32, 0, min(nrows, 1<<16))
	for i := 0; i < nrows; i++ {
		row := make([]int32, ncols)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("failed to read row %d of %d: %w", i, nrows, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
