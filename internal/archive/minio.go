// Package archive stores serialized map snapshots in an S3 compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/json"

var ErrNotFound = errors.New("archived snapshot not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object is one archived snapshot.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type Archive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("archive: created bucket %s", cfg.Bucket)
	}
	return &Archive{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// Put writes data as a timestamped object and as the map's latest copy.
func (a *Archive) Put(ctx context.Context, mapID string, data []byte) (string, error) {
	key := snapshotKey(mapID, a.now())
	for _, name := range []string{key, latestKey(mapID)} {
		_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return "", fmt.Errorf("put object %s: %w", name, err)
		}
	}
	return key, nil
}

// Latest returns the most recently archived snapshot of mapID.
func (a *Archive) Latest(ctx context.Context, mapID string) ([]byte, error) {
	return a.Get(ctx, latestKey(mapID))
}

func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// List returns the timestamped snapshots of mapID, newest first.
func (a *Archive) List(ctx context.Context, mapID string) ([]Object, error) {
	var out []Object
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    mapPrefix(mapID),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list objects for %s: %w", mapID, info.Err)
		}
		if info.Key == latestKey(mapID) {
			continue
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func mapPrefix(mapID string) string {
	return path.Join("maps", sanitizeKey(mapID)) + "/"
}

func latestKey(mapID string) string {
	return mapPrefix(mapID) + "latest.json"
}

// snapshotKey sorts lexically in time order.
func snapshotKey(mapID string, at time.Time) string {
	return mapPrefix(mapID) + at.UTC().Format("20060102T150405.000000000Z") + ".json"
}

func sanitizeKey(mapID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(mapID)
}
