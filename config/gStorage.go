package config

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var (
	storageClient   *storage.Client
	storageClientMu sync.Mutex
)

// GetStorageClient returns a Cloud Storage client for chunk-file reads.
// It uses Application Default Credentials unless STORAGE_CREDENTIALS_JSON is provided.
func GetStorageClient(ctx context.Context) (*storage.Client, error) {
	storageClientMu.Lock()
	defer storageClientMu.Unlock()

	if storageClient != nil {
		return storageClient, nil
	}

	credJSON := os.Getenv("STORAGE_CREDENTIALS_JSON")

	var (
		c   *storage.Client
		err error
	)
	if credJSON != "" {
		c, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		c, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}

	storageClient = c
	log.Printf("storage client ready")
	return storageClient, nil
}

// ChunkBucket is the bucket holding canonical chunk files produced by the
// transform stage.
func ChunkBucket() (string, error) {
	v := os.Getenv("CHUNK_BUCKET")
	if v == "" {
		return "", errors.New("CHUNK_BUCKET not set")
	}
	return v, nil
}
