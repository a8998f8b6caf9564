package models

// Sample describes a submitted file artifact, deduplicated by hash.
type Sample struct {
	ID       int64
	SHA256   string
	MD5      string
	FileSize int64
	FileType string
	FileName string
}
