package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSUploader keeps attachments in a MongoDB GridFS bucket.
type GridFSUploader struct {
	client  *mongo.Client
	bucket  *gridfs.Bucket
	baseURL string
}

func NewGridFSUploader(ctx context.Context, cfg config.GridFSConfig) (*GridFSUploader, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	bucket, err := gridfs.NewBucket(client.Database(cfg.Database), options.GridFSBucket().SetName(cfg.Bucket))
	if err != nil {
		return nil, fmt.Errorf("failed to create GridFSBucket: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "/media"
	}
	return &GridFSUploader{client: client, bucket: bucket, baseURL: baseURL}, nil
}

func (g *GridFSUploader) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := g.bucket.SetWriteDeadline(deadline); err != nil {
			return "", err
		}
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"mime_type":   mimeType,
		"uploaded_at": time.Now().UTC(),
	})
	id, err := g.bucket.UploadFromStream(name, bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("gridfs upload %s: %w", name, err)
	}
	return g.baseURL + "/" + id.Hex(), nil
}

// Open returns a reader over a stored file and its MIME type. The caller closes the reader.
func (g *GridFSUploader) Open(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	objectID, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, "", errs.NotFound("file %s", fileID)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := g.bucket.SetReadDeadline(deadline); err != nil {
			return nil, "", err
		}
	}

	stream, err := g.bucket.OpenDownloadStream(objectID)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, "", errs.NotFound("file %s", fileID)
		}
		return nil, "", fmt.Errorf("gridfs download: %w", err)
	}

	mimeType := "application/octet-stream"
	if file := stream.GetFile(); file != nil && file.Metadata != nil {
		var meta bson.M
		if bson.Unmarshal(file.Metadata, &meta) == nil {
			if s, ok := meta["mime_type"].(string); ok && s != "" {
				mimeType = s
			}
		}
	}
	return stream, mimeType, nil
}

func (g *GridFSUploader) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}
