package store

// NodeType distinguishes chat leaves from folders in the conversation tree.
type NodeType int

const (
	NodeChat   NodeType = 0
	NodeFolder NodeType = 1
)

// Role identifies the author of a message.
type Role int

const (
	RoleUser      Role = 0
	RoleAssistant Role = 1
	RoleSystem    Role = 2
)

// String returns the wire representation used in provider requests.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ConversationNode is one node of the conversation tree: either a chat or a
// folder grouping other nodes. Order is the dense zero-based position among
// siblings of the same parent.
type ConversationNode struct {
	ID       int64
	ParentID int64
	Name     string
	Type     NodeType
	Order    int
	PresetID int64 // 0 = no preset

	// Generation settings
	MaxMessages int
	ProviderID  int64 // 0 = no provider
	Model       string
	Prompt      string

	// RAG settings
	EmbeddingProvider int64
	EmbeddingModel    string
	RagChunkSize      int
	RagChunksCount    int

	// Summary settings
	SummaryEnabled  bool
	SummaryModel    string
	SummaryProvider int64
}

// IsChat reports whether the node is a chat leaf.
func (n *ConversationNode) IsChat() bool {
	return n.Type == NodeChat
}

// ChunkRef records a retrieved chunk that informed a message. The chunk id is
// only meaningful together with the dimension and model that select its
// vector table.
type ChunkRef struct {
	ChunkID        int64  `json:"chunk_id"`
	Dimension      int    `json:"dimension"`
	EmbeddingModel string `json:"embedding_model"`
}

// Message is one turn of a conversation. The monotonic id doubles as a
// creation-order timestamp surrogate.
type Message struct {
	ID             int64
	ConversationID int64
	Role           Role
	Content        string
	Reasoning      string
	Timestamp      string
	Summary        string
	Chunks         []ChunkRef
}

// RagFile is an ingested document registered under one embedding
// configuration.
type RagFile struct {
	ID             int64
	ConversationID int64
	FileHash       string
	FileName       string
	Dimensions     int
	EmbeddingModel string
}

// RagChunk is one stored fragment of a RagFile.
type RagChunk struct {
	ID     int64
	FileID int64
	Chunk  string
}

// Provider is a flat endpoint configuration record.
type Provider struct {
	ID           int64
	Name         string
	URL          string
	APIKey       string
	DefaultModel string
}

// Preset bundles a system prompt with sampling parameters.
type Preset struct {
	ID          int64
	Name        string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Defaults applied when creating nodes and presets.
const (
	DefaultMaxMessages    = 20
	DefaultRagChunkSize   = 512
	DefaultRagChunksCount = 2
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 2048
)
