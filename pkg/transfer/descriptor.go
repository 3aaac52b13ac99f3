package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FileDescriptor is the torrent-like metadata of one shared file.
type FileDescriptor struct {
	FileID      string   `json:"fileId,omitempty"`
	FileHash    string   `json:"fileHash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	FileName    string   `json:"fileName" validate:"required"`
	FileSize    int64    `json:"fileSize" validate:"gte=0"`
	FileType    string   `json:"fileType"`
	ChunkSize   int32    `json:"chunkSize" validate:"gt=0,lte=1048576"` // MaxChunkSize, the largest framed payload
	TotalChunks int      `json:"totalChunks" validate:"gte=0"`
	ChunkHashes []string `json:"chunkHashes" validate:"dive,len=64,hexadecimal"`
}

// Chunk is one contiguous byte range of a file. Data is only set while the
// bytes are held in memory.
type Chunk struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int32  `json:"size"`
	Data  []byte `json:"-"`
}

// Key identifies the file on the wire: the content hash when known, else the caller-assigned id.
func (d *FileDescriptor) Key() string {
	if d.FileHash != "" {
		return d.FileHash
	}
	return d.FileID
}

// Validate checks the struct constraints and the chunk arithmetic.
func (d *FileDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if d.Key() == "" {
		return fmt.Errorf("%w: one of fileHash or fileId is required", ErrInvalidDescriptor)
	}
	if want := TotalChunksFor(d.FileSize, d.ChunkSize); d.TotalChunks != want {
		return fmt.Errorf("%w: totalChunks is %d, want %d", ErrInvalidDescriptor, d.TotalChunks, want)
	}
	if len(d.ChunkHashes) != d.TotalChunks {
		return fmt.Errorf("%w: %d chunk hashes for %d chunks", ErrInvalidDescriptor, len(d.ChunkHashes), d.TotalChunks)
	}
	if d.FileHash != "" && d.FileHash != ComputeFileHash(d.ChunkHashes) {
		return fmt.Errorf("%w: fileHash does not commit to chunkHashes", ErrInvalidDescriptor)
	}
	return nil
}

// ChunkBounds returns the byte range [start, end) of chunk index.
func (d *FileDescriptor) ChunkBounds(index int) (start, end int64) {
	start = int64(index) * int64(d.ChunkSize)
	end = min(start+int64(d.ChunkSize), d.FileSize)
	return start, end
}

// HasIndex reports whether index addresses a chunk of this file.
func (d *FileDescriptor) HasIndex(index int) bool {
	return index >= 0 && index < d.TotalChunks
}

// TotalChunksFor is ceil(fileSize / chunkSize).
func TotalChunksFor(fileSize int64, chunkSize int32) int {
	if chunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// HashChunk returns the hex SHA-256 of data.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunk recomputes the hash of data and compares it to expected.
func VerifyChunk(data []byte, expected string) bool {
	return HashChunk(data) == expected
}

// ComputeFileHash hashes the concatenation of the hex chunk hashes in index order.
func ComputeFileHash(chunkHashes []string) string {
	h := sha256.New()
	for _, ch := range chunkHashes {
		h.Write([]byte(ch))
	}
	return hex.EncodeToString(h.Sum(nil))
}
