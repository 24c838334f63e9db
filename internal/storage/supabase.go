// Package storage archives finished-interview artifacts in Supabase object
// storage. Uploads are best-effort: the backend handoff is the system of
// record, the bucket copy exists for audit and replay.
package storage

import (
	"bytes"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Archive uploads transcript artifacts into a single bucket.
type Archive struct {
	client *supabase.Client
	bucket string
}

func New(cfg Config) (*Archive, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores body under objectKey, overwriting any earlier artifact for
// the same interview.
func (a *Archive) Upload(objectKey, contentType string, body []byte) error {
	upsert := true
	_, err := a.client.Storage.UploadFile(a.bucket, objectKey, bytes.NewReader(body), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return nil
}
