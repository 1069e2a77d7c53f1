// Package reliability holds operational safety nets around the ledger:
// scheduled backups to S3-compatible object storage.
package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/database"
)

// BackupMetadata travels inside every archive so a restore can verify what
// it is holding.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"` // sha256 of the database file
}

// BackupService archives the ledger database to S3-compatible object
// storage. Cloudflare R2 and MinIO work through the endpoint override.
type BackupService struct {
	client *s3.Client
	bucket string
	ledger *database.DB
	log    zerolog.Logger
}

// NewBackupService builds the S3 client from backup configuration.
func NewBackupService(ctx context.Context, cfg *config.BackupConfig, ledger *database.DB, log zerolog.Logger) (*BackupService, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &BackupService{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		ledger: ledger,
		log:    log.With().Str("service", "backup").Logger(),
	}, nil
}

// CreateAndUpload checkpoints the ledger, archives it as tar.gz with
// checksum metadata, and uploads the archive.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	started := time.Now()
	s.log.Info().Msg("Starting ledger backup")

	// Fold the WAL into the main file so the copy is self-contained.
	if err := s.ledger.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("failed to checkpoint ledger before backup: %w", err)
	}

	archive, meta, err := s.buildArchive()
	if err != nil {
		return err
	}

	key := fmt.Sprintf("backups/ledger-%s.tar.gz", started.UTC().Format("20060102-150405"))
	uploader := manager.NewUploader(s.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(archive),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			"checksum": meta.Checksum,
			"database": meta.Database,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup %s: %w", key, err)
	}

	s.log.Info().
		Str("key", key).
		Int("size_bytes", len(archive)).
		Dur("took", time.Since(started)).
		Msg("Ledger backup uploaded")
	return nil
}

// buildArchive produces a tar.gz holding the ledger file plus a
// metadata.json entry.
func (s *BackupService) buildArchive() ([]byte, *BackupMetadata, error) {
	data, err := os.ReadFile(s.ledger.Path())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	sum := sha256.Sum256(data)
	meta := &BackupMetadata{
		Timestamp: time.Now().UTC(),
		Database:  s.ledger.Name(),
		Filename:  filepath.Base(s.ledger.Path()),
		SizeBytes: int64(len(data)),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal backup metadata: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		name string
		data []byte
	}{
		{meta.Filename, data},
		{"metadata.json", metaJSON},
	}
	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0644,
			Size:    int64(len(entry.data)),
			ModTime: meta.Timestamp,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, nil, fmt.Errorf("failed to write tar header for %s: %w", entry.name, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(entry.data)); err != nil {
			return nil, nil, fmt.Errorf("failed to write tar entry %s: %w", entry.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize gzip archive: %w", err)
	}

	return buf.Bytes(), meta, nil
}
