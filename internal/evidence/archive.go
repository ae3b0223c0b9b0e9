package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ArchiveConfig holds S3 settings for long-term evidence retention.
// Regulators require multi-year retention of the audit trail; the Kafka
// topic is the hot path, S3 is the archive.
type ArchiveConfig struct {
	Region          string        `yaml:"region" json:"region"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	StorageClass    string        `yaml:"storage_class" json:"storage_class"`
	UsePathStyle    bool          `yaml:"use_path_style" json:"use_path_style"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// DefaultArchiveConfig returns an ArchiveConfig with sensible defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Region:        "eu-central-1",
		Bucket:        "regcomms-evidence-archive",
		Prefix:        "evidence/",
		StorageClass:  "INTELLIGENT_TIERING",
		BatchSize:     500,
		FlushInterval: 5 * time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *ArchiveConfig) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

func (c *ArchiveConfig) storageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// Archiver batches evidence records and uploads them to S3 as JSON-lines
// objects keyed by day and upload time.
type Archiver struct {
	client *s3.Client
	config ArchiveConfig
	logger *slog.Logger

	mu      sync.Mutex
	batch   []*Record
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	objectsUploaded atomic.Int64
	recordsArchived atomic.Int64
	uploadErrors    atomic.Int64
}

// NewArchiver creates an evidence archiver.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	logger.Info("evidence archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return a, nil
}

// Start begins the periodic flush loop.
func (a *Archiver) Start(ctx context.Context) {
	if a.started.Swap(true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				if err := a.Flush(ctx); err != nil {
					a.logger.Warn("evidence archive flush failed", "error", err)
				}
			}
		}
	}()
}

// Add queues a record for archival, flushing when the batch fills.
func (a *Archiver) Add(ctx context.Context, rec *Record) {
	a.mu.Lock()
	a.batch = append(a.batch, rec)
	full := len(a.batch) >= a.config.BatchSize
	a.mu.Unlock()

	if full {
		if err := a.Flush(ctx); err != nil {
			a.logger.Warn("evidence archive flush failed", "error", err)
		}
	}
}

// Flush uploads the pending batch as one JSON-lines object.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.batch
	a.batch = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			a.uploadErrors.Add(1)
			return fmt.Errorf("archive: failed to encode record: %w", err)
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s/evidence-%s.jsonl",
		a.config.Prefix,
		now.Format("2006/01/02"),
		now.Format("150405.000000000"),
	)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(buf.Bytes()),
		ContentType:  aws.String("application/x-ndjson"),
		StorageClass: a.config.storageClass(),
	})
	if err != nil {
		a.uploadErrors.Add(1)
		// Put the batch back so the next flush retries it.
		a.mu.Lock()
		a.batch = append(batch, a.batch...)
		a.mu.Unlock()
		return fmt.Errorf("archive: upload failed: %w", err)
	}

	a.objectsUploaded.Add(1)
	a.recordsArchived.Add(int64(len(batch)))
	a.logger.Debug("evidence batch archived", "key", key, "records", len(batch))
	return nil
}

// Stats returns archiver counters.
func (a *Archiver) Stats() map[string]any {
	a.mu.Lock()
	pending := len(a.batch)
	a.mu.Unlock()
	return map[string]any{
		"objects_uploaded": a.objectsUploaded.Load(),
		"records_archived": a.recordsArchived.Load(),
		"upload_errors":    a.uploadErrors.Load(),
		"pending":          pending,
	}
}

// Stop halts the flush loop and uploads any pending batch.
func (a *Archiver) Stop(ctx context.Context) error {
	if !a.started.Load() {
		return a.Flush(ctx)
	}
	close(a.stopCh)
	a.wg.Wait()
	return a.Flush(ctx)
}
