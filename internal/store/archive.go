package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/model"
)

// Saver is the write side of a result store
type Saver interface {
	SaveItemResults(ctx context.Context, customerID, jobID string, results []model.ItemResult) error
}

// Uploader writes an object to the archive bucket
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// ArchivingStore copies every successful save to object storage. An archive failure is
// logged and does not fail the save.
type ArchivingStore struct {
	Saver
	archive Uploader
	prefix  string
}

func NewArchivingStore(inner Saver, archive Uploader, prefix string) *ArchivingStore {
	return &ArchivingStore{Saver: inner, archive: archive, prefix: prefix}
}

func (s *ArchivingStore) SaveItemResults(ctx context.Context, customerID, jobID string, results []model.ItemResult) error {
	if err := s.Saver.SaveItemResults(ctx, customerID, jobID, results); err != nil {
		return err
	}

	data, err := json.Marshal(struct {
		CustomerID string             `json:"customerId"`
		JobID      string             `json:"jobId"`
		Results    []model.ItemResult `json:"results"`
	}{customerID, jobID, results})
	if err != nil {
		zap.S().Warnf("job %s: failed to marshal archive: %v", jobID, err)
		return nil
	}

	key := ArchiveKey(s.prefix, customerID, jobID)
	if err := s.archive.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		zap.S().Warnf("job %s: failed to archive results to %s: %v", jobID, key, err)
	}
	return nil
}

// ArchiveKey is the object key of a job's archived results
func ArchiveKey(prefix, customerID, jobID string) string {
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", customerID, jobID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, customerID, jobID)
}
