// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask represents a document ingestion job.
type IngestTask struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	ObjectName string `json:"object_name"`
	FileMD5    string `json:"file_md5"`
}
