package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3PartSize is the buffering unit for both the single-PutObject threshold
// and each multipart part.
const s3PartSize = 8 * 1024 * 1024

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Region       string
	Bucket       string
	Endpoint     string // optional: non-empty selects a custom (non-AWS) endpoint
	AccessKey    string // optional explicit credentials
	SecretKey    string
	UseSSL       bool
	ChunkPrefix  string // default "chunks/"
	NarPrefix    string // default "nars/"
}

// S3Backend persists chunks and manifests as objects in an S3-compatible
// bucket, using multipart upload for bodies at or above 8 MiB.
type S3Backend struct {
	client *minio.Client
	core   *minio.Core
	cfg    S3Config
}

// NewS3Backend constructs a client (and its Core variant, used only for the
// multipart upload calls) against cfg.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.ChunkPrefix == "" {
		cfg.ChunkPrefix = "chunks/"
	}
	if cfg.NarPrefix == "" {
		cfg.NarPrefix = "nars/"
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	opts := &minio.Options{Creds: creds, Secure: cfg.UseSSL, Region: cfg.Region}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 client: %w", err)
	}
	core, err := minio.NewCore(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 multipart client: %w", err)
	}

	return &S3Backend{client: client, core: core, cfg: cfg}, nil
}

func (b *S3Backend) UploadChunk(ctx context.Context, name string, stream io.Reader) (RemoteFile, error) {
	return b.upload(ctx, b.cfg.ChunkPrefix+name, stream)
}

func (b *S3Backend) UploadNar(ctx context.Context, name string, stream io.Reader) (RemoteFile, error) {
	return b.upload(ctx, b.cfg.NarPrefix+name, stream)
}

func (b *S3Backend) DownloadChunk(ctx context.Context, name string) (io.ReadCloser, error) {
	return b.download(ctx, b.cfg.ChunkPrefix+name)
}

func (b *S3Backend) DownloadNar(ctx context.Context, name string) (io.ReadCloser, error) {
	return b.download(ctx, b.cfg.NarPrefix+name)
}

func (b *S3Backend) download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: stat object %s: %w", key, err)
	}
	return obj, nil
}

// upload implements the §4.G policy: a single PutObject for bodies under
// s3PartSize, otherwise CreateMultipartUpload + per-part UploadPart with an
// abort guard that fires on any error after creation.
func (b *S3Backend) upload(ctx context.Context, key string, stream io.Reader) (RemoteFile, error) {
	buf := make([]byte, s3PartSize)
	n, err := io.ReadFull(stream, buf)
	switch err {
	case nil:
		// buffer filled exactly; fall through to check whether more data follows
	case io.ErrUnexpectedEOF, io.EOF:
		_, putErr := b.client.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(buf[:n]), int64(n), minio.PutObjectOptions{})
		if putErr != nil {
			return RemoteFile{}, fmt.Errorf("storage: put object %s: %w", key, putErr)
		}
		return b.remoteFile(key), nil
	default:
		return RemoteFile{}, fmt.Errorf("storage: read upload body: %w", err)
	}

	return b.multipartUpload(ctx, key, buf, stream)
}

func (b *S3Backend) multipartUpload(ctx context.Context, key string, firstPart []byte, rest io.Reader) (RemoteFile, error) {
	uploadID, err := b.core.NewMultipartUpload(ctx, b.cfg.Bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return RemoteFile{}, fmt.Errorf("storage: create multipart upload for %s: %w", key, err)
	}

	completed := false
	defer func() {
		if !completed {
			_ = b.core.AbortMultipartUpload(ctx, b.cfg.Bucket, key, uploadID)
		}
	}()

	var parts []minio.CompletePart
	partNumber := 1

	uploadPart := func(data []byte) error {
		part, err := b.core.PutObjectPart(ctx, b.cfg.Bucket, key, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return fmt.Errorf("storage: upload part %d for %s: %w", partNumber, key, err)
		}
		parts = append(parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
		partNumber++
		return nil
	}

	if err := uploadPart(firstPart); err != nil {
		return RemoteFile{}, err
	}

	buf := make([]byte, s3PartSize)
	for {
		n, err := io.ReadFull(rest, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := uploadPart(data); err != nil {
				return RemoteFile{}, err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return RemoteFile{}, fmt.Errorf("storage: read upload body: %w", err)
		}
	}

	if _, err := b.core.CompleteMultipartUpload(ctx, b.cfg.Bucket, key, uploadID, parts, minio.PutObjectOptions{}); err != nil {
		return RemoteFile{}, fmt.Errorf("storage: complete multipart upload for %s: %w", key, err)
	}
	completed = true

	return b.remoteFile(key), nil
}

func (b *S3Backend) remoteFile(key string) RemoteFile {
	return RemoteFile{Kind: KindS3, Region: b.cfg.Region, Bucket: b.cfg.Bucket, Key: key}
}

// ListManifests implements Lister.
func (b *S3Backend) ListManifests(ctx context.Context) ([]string, error) {
	return b.listPrefix(ctx, b.cfg.NarPrefix)
}

// ListChunks implements Lister.
func (b *S3Backend) ListChunks(ctx context.Context) ([]string, error) {
	return b.listPrefix(ctx, b.cfg.ChunkPrefix)
}

func (b *S3Backend) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("storage: list objects under %s: %w", prefix, obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}
	return names, nil
}
