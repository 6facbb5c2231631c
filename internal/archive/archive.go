// Package archive uploads the sealed shards of trained versions to S3/MinIO.
// Every shard file is zstd-compressed and stored as
//
//	<prefix>/<version>/<agentID><ext>.zst
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/pkg/tracing"
)

const (
	compressedExt = ".zst"
	contentType   = "application/zstd"
)

// ObjectStore is the subset of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Object describes an archived shard file.
type Object struct {
	Key  string
	Size int64
}

// NewMinIO creates a MinIO/S3 client from cfg.
func NewMinIO(cfg config.ArchiveConfig) (*minio.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// Archiver compresses and uploads shards.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	level  zstd.EncoderLevel
	logger zerolog.Logger
}

// New creates an archiver writing to cfg.Bucket through store.
func New(store ObjectStore, cfg config.ArchiveConfig, logger zerolog.Logger) *Archiver {
	level := zstd.EncoderLevel(cfg.CompressionLevel)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}
	return &Archiver{
		store:  store,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		level:  level,
		logger: logger.With().Str("component", "archive").Str("bucket", cfg.Bucket).Logger(),
	}
}

// EnsureBucket creates the bucket if it doesn't exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info().Msg("Created bucket")
	}
	return nil
}

// ArchiveVersion uploads every sealed shard of version and returns the
// number of objects written.
func (a *Archiver) ArchiveVersion(ctx context.Context, dataDir string, version int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "archive.version",
		tracing.WithAttributes(tracing.AttrVersion.Int(version)))
	defer span.End()

	shards, err := episode.SealedShards(dataDir, version)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, err
	}

	uploaded := 0
	for _, base := range shards {
		for _, ext := range []string{episode.StatesExt, episode.ActionsExt, episode.RewardsExt, episode.MetaExt} {
			if err := a.upload(ctx, version, base+ext); err != nil {
				tracing.RecordError(ctx, err)
				return uploaded, err
			}
			uploaded++
		}
	}

	a.logger.Info().Int("version", version).Int("shards", len(shards)).Int("objects", uploaded).Msg("Uploaded version")
	return uploaded, nil
}

func (a *Archiver) upload(ctx context.Context, version int, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(a.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress %s: %w", file, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to compress %s: %w", file, err)
	}

	key := a.objectKey(version, filepath.Base(file))
	size := int64(buf.Len())
	info, err := a.store.PutObject(ctx, a.bucket, key, &buf, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"version": strconv.Itoa(version)},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.Debug().Str("key", key).Int64("size", info.Size).Msg("Uploaded shard file")
	return nil
}

// List returns the archived objects of version.
func (a *Archiver) List(ctx context.Context, version int) ([]Object, error) {
	prefix := a.objectKey(version, "")
	var out []Object
	for obj := range a.store.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", obj.Err)
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

func (a *Archiver) objectKey(version int, name string) string {
	dir := path.Join(a.prefix, strconv.Itoa(version))
	if name == "" {
		return dir + "/"
	}
	return path.Join(dir, name+compressedExt)
}

// Decompress reads a zstd stream written by the archiver.
func Decompress(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
