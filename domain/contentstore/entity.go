package contentstore

import (
	"time"

	"github.com/uptrace/bun"
)

// Storage backends a blob can live on.
const (
	BackendS3 = "s3"
	BackendDB = "db"
)

// ContentBlob is the immutable stored body of a document. Rows are written
// once and never mutated; the owning document references the blob by ID.
type ContentBlob struct {
	bun.BaseModel `bun:"table:content_blobs"`

	ID             string `bun:"id,pk" json:"id"`
	ContentType    string `bun:"content_type" json:"contentType"`
	StorageBackend string `bun:"storage_backend" json:"storageBackend"`
	StorageKey     string `bun:"storage_key" json:"storageKey"`
	SizeBytes      int64  `bun:"size_bytes" json:"sizeBytes"`

	// Data holds the bytes inline when no blob backend is configured
	Data []byte `bun:"data" json:"-"`

	CreatedAt time.Time `bun:"created_at,nullzero,default:now()" json:"createdAt"`
}
