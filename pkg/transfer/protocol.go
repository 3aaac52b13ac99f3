package transfer

type MessageType string

const (
	FileAnnounce  MessageType = "file-announce"
	ChunkRequest  MessageType = "chunk-request"
	ChunkResponse MessageType = "chunk-response"
	HaveChunk     MessageType = "have-chunk"
)

// Message is one structured peer-to-peer message. A chunk-response carries
// its bytes in Payload, inside the same frame as the correlation fields.
type Message struct {
	Type       MessageType     `json:"type" validate:"required,oneof=file-announce chunk-request chunk-response have-chunk"`
	FileHash   string          `json:"fileHash,omitempty"`
	FileID     string          `json:"fileId,omitempty"`
	ChunkIndex int             `json:"chunkIndex" validate:"gte=0"`
	ChunkHash  string          `json:"chunkHash,omitempty"`
	Metadata   *FileDescriptor `json:"metadata,omitempty"`
	Payload    []byte          `json:"-"`
}

// Key returns the file key the message refers to.
func (m *Message) Key() string {
	if m.FileHash != "" {
		return m.FileHash
	}
	if m.FileID != "" {
		return m.FileID
	}
	if m.Metadata != nil {
		return m.Metadata.Key()
	}
	return ""
}

// NewAnnounce builds a file-announce for desc.
func NewAnnounce(desc *FileDescriptor) *Message {
	return &Message{Type: FileAnnounce, Metadata: desc}
}

// NewChunkRequest builds a chunk-request addressed by the descriptor key.
func NewChunkRequest(desc *FileDescriptor, index int) *Message {
	return &Message{Type: ChunkRequest, FileHash: desc.FileHash, FileID: desc.FileID, ChunkIndex: index}
}

// NewChunkResponse answers req with data. The response echoes the
// request's addressing so the requester can correlate it.
func NewChunkResponse(req *Message, hash string, data []byte) *Message {
	return &Message{
		Type:       ChunkResponse,
		FileHash:   req.FileHash,
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		ChunkHash:  hash,
		Payload:    data,
	}
}

// NewHaveChunk gossips availability of one chunk.
func NewHaveChunk(fileHash string, index int) *Message {
	return &Message{Type: HaveChunk, FileHash: fileHash, ChunkIndex: index}
}

type MessageSerializer interface {
	Marshal(message *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
	Name() string
	IsBinary() bool
}
