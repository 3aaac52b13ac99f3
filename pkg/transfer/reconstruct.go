package transfer

import (
	"bytes"
	"fmt"
	"io"
	"slices"
)

// Artifact is a reassembled file.
type Artifact struct {
	Name string
	Type string
	Data []byte
}

// Reconstruct orders chunks by index and concatenates their bytes. It must
// only be called with a set covering every index of desc.
func Reconstruct(chunks []Chunk, desc *FileDescriptor) (*Artifact, error) {
	sorted := slices.Clone(chunks)
	slices.SortFunc(sorted, func(a, b Chunk) int { return a.Index - b.Index })

	if len(sorted) != desc.TotalChunks {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrIncompleteChunkSet, len(sorted), desc.TotalChunks)
	}
	var buf bytes.Buffer
	buf.Grow(int(desc.FileSize))
	for i, c := range sorted {
		if c.Index != i || c.Data == nil {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrIncompleteChunkSet, i)
		}
		buf.Write(c.Data)
	}
	return &Artifact{Name: desc.FileName, Type: desc.FileType, Data: buf.Bytes()}, nil
}

// ReconstructTo streams every chunk of desc in index order to w, fetching
// bytes through get. It returns the number of bytes written.
func ReconstructTo(w io.Writer, desc *FileDescriptor, get func(index int) ([]byte, error)) (int64, error) {
	var written int64
	for i := 0; i < desc.TotalChunks; i++ {
		data, err := get(i)
		if err != nil {
			return written, fmt.Errorf("%w: chunk %d: %v", ErrIncompleteChunkSet, i, err)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
