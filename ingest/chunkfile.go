package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
	"bitbucket.org/mmdatafocus/warehouse_backend/models"
)

// ChunkFile is one decoded chunk: the handle (with content fingerprint) plus
// the rows that parsed, and row-level errors for the lines that did not.
// A broken line rejects that row only; the chunk identity itself failing to
// parse is a chunk-level error.
type ChunkFile struct {
	Handle       ChunkHandle
	Rows         []models.CanonicalRow
	DecodeErrors []models.RowError
}

// FetchChunk reads the chunk object from the chunk bucket and decodes its
// JSON-lines content into canonical rows. The fingerprint is the sha256 of
// the object bytes, deterministic for identical input.
func FetchChunk(ctx context.Context, tenantId string, table models.TableName, chunkKey string) (*ChunkFile, error) {
	bucket, err := config.ChunkBucket()
	if err != nil {
		return nil, err
	}

	client, err := config.GetStorageClient(ctx)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "storage_client", Err: err}
	}

	reader, err := client.Bucket(bucket).Object(chunkKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			// The transform stage never produced this object; retrying the
			// same invocation will not make it appear.
			return nil, fmt.Errorf("chunk object %s/%s does not exist", bucket, chunkKey)
		}
		return nil, &models.TransientStoreError{Op: "chunk_open", Err: err}
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &models.TransientStoreError{Op: "chunk_read", Err: err}
	}

	chunk := &ChunkFile{
		Handle: ChunkHandle{
			TenantId:           tenantId,
			TableName:          table,
			ChunkKey:           chunkKey,
			ContentFingerprint: Fingerprint(data),
		},
	}

	if err := DecodeChunkContent(chunk, table, data); err != nil {
		return nil, err
	}
	return chunk, nil
}

// Fingerprint is the content identity of a chunk.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// DecodeChunkContent parses JSON-lines chunk bytes into the chunk's rows.
// Exported so replay tooling and tests can decode without a bucket fetch.
func DecodeChunkContent(chunk *ChunkFile, table models.TableName, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	// Ticket summaries and time-entry notes can push a line past the default
	// 64KB scanner cap.
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		row, err := models.NewRowForTable(table)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(line), row); err != nil {
			chunk.DecodeErrors = append(chunk.DecodeErrors, models.RowError{
				BusinessId: fmt.Sprintf("line:%d", lineNo),
				Reason:     "undecodable row: " + err.Error(),
			})
			continue
		}
		models.ResetStoreAssigned(row)
		row.Normalize()
		chunk.Rows = append(chunk.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan chunk content: %w", err)
	}
	return nil
}
