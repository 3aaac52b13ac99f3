package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

var ErrIsDir = errors.New("cannot chunk a directory")

// ChunkOptions controls one chunking run.
type ChunkOptions struct {
	FileID    string
	FileName  string
	FileType  string
	ChunkSize int32
	BatchSize int
	// Retain keeps chunk bytes in the returned chunks. Without it only
	// hashes and sizes are returned and bytes are re-read on demand.
	Retain bool
}

// ChunkFile splits src into fixed-size chunks, hashing them in bounded
// batches. progress, if set, receives the completed fraction after each batch.
func ChunkFile(ctx context.Context, src io.ReaderAt, size int64, opts ChunkOptions, progress func(float64)) (*FileDescriptor, []Chunk, error) {
	if opts.ChunkSize <= 0 {
		return nil, nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if size < 0 {
		return nil, nil, fmt.Errorf("file size cannot be negative, got %d", size)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	desc := &FileDescriptor{
		FileID:      opts.FileID,
		FileName:    opts.FileName,
		FileSize:    size,
		FileType:    opts.FileType,
		ChunkSize:   opts.ChunkSize,
		TotalChunks: TotalChunksFor(size, opts.ChunkSize),
	}
	desc.ChunkHashes = make([]string, desc.TotalChunks)
	chunks := make([]Chunk, desc.TotalChunks)

	for batchStart := 0; batchStart < desc.TotalChunks; batchStart += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		batchEnd := min(batchStart+batchSize, desc.TotalChunks)

		g, _ := errgroup.WithContext(ctx)
		for i := batchStart; i < batchEnd; i++ {
			g.Go(func() error {
				data, err := ReadChunk(src, desc, i)
				if err != nil {
					return err
				}
				chunk := Chunk{
					Index: i,
					Hash:  HashChunk(data),
					Size:  int32(len(data)),
				}
				if opts.Retain {
					chunk.Data = data
				}
				// each goroutine owns a distinct slot
				chunks[i] = chunk
				desc.ChunkHashes[i] = chunk.Hash
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, fmt.Errorf("failed to hash chunks %d-%d: %w", batchStart, batchEnd-1, err)
		}

		if progress != nil {
			progress(float64(batchEnd) / float64(desc.TotalChunks))
		}
	}
	if desc.TotalChunks == 0 && progress != nil {
		progress(1)
	}

	desc.FileHash = ComputeFileHash(desc.ChunkHashes)
	return desc, chunks, nil
}

// ChunkPath chunks the file at path. The size limit is enforced before any
// bytes are read; maxFileSize <= 0 disables it.
func ChunkPath(ctx context.Context, path string, maxFileSize int64, opts ChunkOptions, progress func(float64)) (*FileDescriptor, []Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, ErrIsDir
	}
	if maxFileSize > 0 && info.Size() > maxFileSize {
		return nil, nil, fmt.Errorf("%w: %d bytes > %d bytes", ErrSizeLimitExceeded, info.Size(), maxFileSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("fail to close file", "error", err.Error())
		}
	}()

	if opts.FileName == "" {
		opts.FileName = filepath.Base(path)
	}
	if opts.FileType == "" {
		opts.FileType = detectFileType(file)
	}
	return ChunkFile(ctx, file, info.Size(), opts, progress)
}

func detectFileType(src io.ReaderAt) string {
	head := make([]byte, 3072)
	n, err := src.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "application/octet-stream"
	}
	return mimetype.Detect(head[:n]).String()
}

// ReadChunk re-derives the bytes of chunk index from src.
func ReadChunk(src io.ReaderAt, desc *FileDescriptor, index int) ([]byte, error) {
	if !desc.HasIndex(index) {
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", index, desc.TotalChunks)
	}
	start, end := desc.ChunkBounds(index)
	data := make([]byte, end-start)
	n, err := src.ReadAt(data, start)
	if n == len(data) {
		return data, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("failed to read chunk %d at offset %d: %w", index, start, err)
}
