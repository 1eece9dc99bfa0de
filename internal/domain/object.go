package domain

import "time"

// Strategy is the redundancy scheme chosen for an object at upload time.
type Strategy string

const (
	StrategyReplicated   Strategy = "replicated"
	StrategyErasureCoded Strategy = "erasure_coded"
)

// ObjectStatus is derived by the object service from placement and retrieval outcomes.
type ObjectStatus string

const (
	ObjectUploading ObjectStatus = "uploading"
	ObjectHealthy   ObjectStatus = "healthy"
	ObjectDegraded  ObjectStatus = "degraded"
	ObjectFailed    ObjectStatus = "failed"
)

// PieceStatus is the last known state of a stored shard or replica.
type PieceStatus string

const (
	PieceHealthy   PieceStatus = "healthy"
	PieceMissing   PieceStatus = "missing"
	PieceCorrupted PieceStatus = "corrupted"
)

// Bucket - a named namespace of objects
type Bucket struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Name      string    `json:"name" dynamodbav:"name"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Object - a logical stored item and its placement summary
type Object struct {
	ID                  string       `json:"id" dynamodbav:"id"`
	BucketID            string       `json:"bucket_id" dynamodbav:"bucket_id"`
	BucketName          string       `json:"bucket_name" dynamodbav:"bucket_name"`
	Key                 string       `json:"key" dynamodbav:"key"`
	Size                int64        `json:"size" dynamodbav:"size"`
	Checksum            string       `json:"checksum" dynamodbav:"checksum"`
	ContentType         string       `json:"content_type" dynamodbav:"content_type"`
	DetectedContentType string       `json:"detected_content_type,omitempty" dynamodbav:"detected_content_type,omitempty"`
	ClaimedContentType  string       `json:"claimed_content_type,omitempty" dynamodbav:"claimed_content_type,omitempty"`
	DetectedExtension   string       `json:"detected_extension,omitempty" dynamodbav:"detected_extension,omitempty"`
	OriginalFilename    string       `json:"original_filename,omitempty" dynamodbav:"original_filename,omitempty"`
	Strategy            Strategy     `json:"strategy" dynamodbav:"strategy"`
	ChunkCount          int          `json:"chunk_count" dynamodbav:"chunk_count"`
	Status              ObjectStatus `json:"status" dynamodbav:"status"`
	CreatedAt           time.Time    `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" dynamodbav:"updated_at"`
}

// Chunk - one fixed-size slice of an erasure coded object
type Chunk struct {
	ID       string `json:"id" dynamodbav:"id"`
	ObjectID string `json:"object_id" dynamodbav:"object_id"`
	Index    int    `json:"index" dynamodbav:"chunk_index"`
	Size     int64  `json:"size" dynamodbav:"size"`
	Checksum string `json:"checksum" dynamodbav:"checksum"`
}

// Shard - one erasure coded fragment of a chunk stored on a single node
type Shard struct {
	ID         string      `json:"id" dynamodbav:"id"`
	ObjectID   string      `json:"object_id" dynamodbav:"object_id"`
	ChunkID    string      `json:"chunk_id" dynamodbav:"chunk_id"`
	ChunkIndex int         `json:"chunk_index" dynamodbav:"chunk_index"`
	Index      int         `json:"index" dynamodbav:"shard_index"`
	NodeID     string      `json:"node_id" dynamodbav:"node_id"`
	Size       int64       `json:"size" dynamodbav:"size"`
	Checksum   string      `json:"checksum" dynamodbav:"checksum"`
	Status     PieceStatus `json:"status" dynamodbav:"status"`
}

// Replica - a full copy of a small object stored on a single node
type Replica struct {
	ID       string      `json:"id" dynamodbav:"id"`
	ObjectID string      `json:"object_id" dynamodbav:"object_id"`
	NodeID   string      `json:"node_id" dynamodbav:"node_id"`
	Checksum string      `json:"checksum" dynamodbav:"checksum"`
	Status   PieceStatus `json:"status" dynamodbav:"status"`
}
