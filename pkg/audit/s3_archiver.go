package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/platinummonkey/loom/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// S3Config locates the audit archive bucket
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // MinIO or other S3-compatible endpoint
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3PutAPI is the part of the S3 client the archiver uses
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from static keys when given, otherwise
// from the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}), nil
}

// S3Archiver batches audit events into JSON-lines objects.
// An object is written when the batch fills, on every flush interval and on Close.
type S3Archiver struct {
	client    S3PutAPI
	bucket    string
	prefix    string
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	buf     bytes.Buffer
	pending int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// S3ArchiverOption configures an S3Archiver
type S3ArchiverOption func(*S3Archiver)

// WithBatchSize sets how many events go into one object
func WithBatchSize(n int) S3ArchiverOption {
	return func(a *S3Archiver) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// NewS3Archiver creates an archiver. flushInterval <= 0 disables timed flushes.
func NewS3Archiver(client S3PutAPI, bucket, prefix string, flushInterval time.Duration, opts ...S3ArchiverOption) *S3Archiver {
	a := &S3Archiver{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		batchSize: 500,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if flushInterval > 0 {
		go a.flushLoop(flushInterval)
	} else {
		close(a.done)
	}
	return a
}

func (a *S3Archiver) flushLoop(interval time.Duration) {
	defer close(a.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			_ = a.Flush(context.Background())
		}
	}
}

// Log appends the event to the current batch and uploads it once full
func (a *S3Archiver) Log(ctx context.Context, event *AuditEvent) error {
	line, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrLoggerClosed
	}

	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.pending++
	if a.pending < a.batchSize {
		return nil
	}
	return a.flushLocked(ctx)
}

// Flush uploads whatever is buffered
func (a *S3Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

func (a *S3Archiver) flushLocked(ctx context.Context) error {
	if a.pending == 0 {
		return nil
	}

	key := a.objectKey()
	ctx, span := observability.Tracer().Start(ctx, "S3.PutAuditBatch",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.events", a.pending),
		),
	)
	defer span.End()

	data := bytes.Clone(a.buf.Bytes())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		// keep the batch so the next flush retries it
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload audit batch")
		return fmt.Errorf("failed to upload audit batch: %w", err)
	}

	a.buf.Reset()
	a.pending = 0
	span.SetStatus(codes.Ok, "audit batch uploaded")
	return nil
}

// objectKey is <prefix>/YYYY/MM/DD/<HHMMSS>-<uuid>.jsonl
func (a *S3Archiver) objectKey() string {
	ts := a.now().UTC()
	name := fmt.Sprintf("%s-%s.jsonl", ts.Format("150405"), uuid.NewString())
	return path.Join(a.prefix, ts.Format("2006/01/02"), name)
}

// Close stops timed flushes and uploads the final batch
func (a *S3Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	return a.Flush(context.Background())
}
