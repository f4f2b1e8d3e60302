package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"techaura-fulfillment/internal/config"
	"techaura-fulfillment/internal/models"
)

// objectFetcher abstracts the media bucket so tests can substitute an
// in-memory source.
type objectFetcher interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// CopyHandler executes "copy" jobs: it pulls the order's media objects from
// the bucket onto the mounted device directory and leaves a checksum manifest
// behind for the verify pass.
type CopyHandler struct {
	fetcher objectFetcher
	baseDir string
}

// Copy job payload accepted from the queue.
type copyJobPayload struct {
	DevicePath string   `json:"device_path"`
	SourceKeys []string `json:"source_keys"`
}

// manifestName is written into the device directory after a copy completes.
const manifestName = "manifest.sha256"

// NewCopyHandler constructs the handler with an S3-backed fetcher.
func NewCopyHandler(ctx context.Context, cfg config.Config) (*CopyHandler, error) {
	if cfg.MediaS3Bucket == "" {
		return nil, errors.New("MEDIA_S3_BUCKET is not configured")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CopyHandler{
		fetcher: &s3Fetcher{client: client, bucket: cfg.MediaS3Bucket},
		baseDir: cfg.DeviceMountDir,
	}, nil
}

// NewCopyHandlerWithFetcher wires a custom media source (tests).
func NewCopyHandlerWithFetcher(fetcher objectFetcher, baseDir string) *CopyHandler {
	return &CopyHandler{fetcher: fetcher, baseDir: baseDir}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Handle copies every source object onto the device, reporting per-object
// progress. Re-execution after a crash overwrites partial files, so the
// handler is idempotent at the file level.
func (h *CopyHandler) Handle(ctx context.Context, job models.ProcessingJob, report ProgressFunc) error {
	payload, err := decodeCopyPayload(job)
	if err != nil {
		return err
	}

	destDir := filepath.Join(h.baseDir, sanitizePath(payload.DevicePath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	total := len(payload.SourceKeys)
	report(0, total)

	sums := make(map[string]string, total)
	for i, key := range payload.SourceKeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := h.copyObject(ctx, key, destDir)
		if err != nil {
			return fmt.Errorf("copy %s: %w", key, err)
		}
		sums[filepath.Base(key)] = sum
		report(i+1, total)
	}

	if err := writeManifest(destDir, sums); err != nil {
		return err
	}
	return nil
}

func (h *CopyHandler) copyObject(ctx context.Context, key, destDir string) (string, error) {
	body, err := h.fetcher.Fetch(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dest := filepath.Join(destDir, sanitizePath(filepath.Base(key)))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), body); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func decodeCopyPayload(job models.ProcessingJob) (copyJobPayload, error) {
	var payload copyJobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.DevicePath == "" {
		return payload, errors.New("device_path is required")
	}
	if len(payload.SourceKeys) == 0 {
		return payload, errors.New("source_keys is required")
	}
	return payload, nil
}

func writeManifest(dir string, sums map[string]string) error {
	var b strings.Builder
	for name, sum := range sums {
		fmt.Fprintf(&b, "%s  %s\n", sum, name)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func sanitizePath(p string) string {
	p = filepath.Clean(p)
	p = strings.TrimPrefix(p, string(filepath.Separator))
	p = strings.TrimPrefix(p, "./")
	return p
}

type s3Fetcher struct {
	client *s3.Client
	bucket string
}

func (f *s3Fetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}
