package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/supabase-community/supabase-go"
)

// Config locates the bucket captures are uploaded to.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
	Prefix         string
}

// SupabaseStorage uploads diagnostic captures to Supabase Storage.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
	prefix string
}

// NewSupabaseStorage connects to the project in cfg.
func NewSupabaseStorage(cfg Config) (*SupabaseStorage, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" || cfg.Bucket == "" {
		return nil, errors.New("storage: supabase url, service role key and bucket are required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload stores body under objectKey.
func (s *SupabaseStorage) Upload(objectKey string, body []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, objectKey, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("storage: upload %s: %w", objectKey, err)
	}
	return nil
}

// Save implements capture.Sink.
func (s *SupabaseStorage) Save(_ context.Context, name string, wav []byte) error {
	return s.Upload(s.objectKey(name), wav)
}

func (s *SupabaseStorage) objectKey(name string) string {
	return path.Join(s.prefix, path.Base(name))
}
