// Package archive uploads the artifacts of finished entities to S3 or an
// S3-compatible object store.
//
// Cluster scratch filesystems are purged on a schedule; archival moves the
// surviving artifact of each finished candidate (its best structure and a
// small metadata document) somewhere durable before that happens.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/latticeworks/propagator/pkg/inventory"
	"github.com/latticeworks/propagator/pkg/project"
)

// Config configures the object-store connection and key layout.
type Config struct {
	// Bucket is the destination bucket. Required.
	Bucket string

	// Prefix is prepended to every uploaded key.
	Prefix string

	// Region is the bucket region. Empty lets the SDK resolve it from the
	// environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects an AWS shared-config profile.
	Profile string

	// AccessKeyID and SecretAccessKey override the SDK credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs, required by most
	// S3-compatible stores.
	ForcePathStyle bool
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("archive bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("access key id and secret must be set together")
	}
	return nil
}

// FromProject maps a manifest archive section onto a Config. Credentials
// stay out of the manifest; the SDK chain or environment supplies them.
func FromProject(p *project.ArchiveConfig) Config {
	return Config{
		Bucket:         p.Bucket,
		Prefix:         p.Prefix,
		Region:         p.Region,
		Endpoint:       p.Endpoint,
		Profile:        p.Profile,
		ForcePathStyle: p.ForcePathStyle,
	}
}

// Sentinel errors for archive operations.
var (
	// ErrBucketNotFound indicates the destination bucket does not exist.
	ErrBucketNotFound = errors.New("archive bucket not found")

	// ErrAccessDenied indicates the credentials lack permission.
	ErrAccessDenied = errors.New("archive access denied")
)

// ArchiveError wraps upload failures with object context.
type ArchiveError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Archiver uploads entity artifacts.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an archiver with the given configuration, using AWS SDK v2's
// default credential chain unless explicit credentials are provided.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// entityMetadata is the JSON document uploaded next to the structure.
type entityMetadata struct {
	ID                  string             `json:"id"`
	Composition         string             `json:"composition"`
	Stage               string             `json:"stage"`
	RefineTotalSteps    int                `json:"refine_total_steps"`
	PredictedProperties map[string]float64 `json:"predicted_properties,omitempty"`
	ProvenanceMethod    string             `json:"provenance_method,omitempty"`
	ArchivedAt          time.Time          `json:"archived_at"`
}

// entityKey builds the object key for one of an entity's artifacts.
func (a *Archiver) entityKey(rec *inventory.EntityRecord, name string) string {
	key := path.Join(rec.CalcName(), name)
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	return key
}

// ArchiveEntity uploads the entity's best structure and a metadata document,
// returning the written keys. Only finished entities archive; anything else
// is an error.
func (a *Archiver) ArchiveEntity(ctx context.Context, rec *inventory.EntityRecord) ([]string, error) {
	if rec.Stage != inventory.StageDone {
		return nil, fmt.Errorf("entity %s is %q, only finished entities archive", rec.ID, rec.Stage)
	}

	var keys []string

	if rec.BestStructurePath != "" {
		key := a.entityKey(rec, path.Base(rec.BestStructurePath))
		if err := a.putFile(ctx, key, rec.BestStructurePath); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	meta := entityMetadata{
		ID:                  rec.ID,
		Composition:         rec.Composition,
		Stage:               string(rec.Stage),
		RefineTotalSteps:    rec.RefineTotalSteps,
		PredictedProperties: rec.PredictedProperties,
		ProvenanceMethod:    rec.Provenance.Method,
		ArchivedAt:          time.Now().UTC(),
	}
	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return keys, fmt.Errorf("marshal metadata: %w", err)
	}
	metaKey := a.entityKey(rec, "entity.json")
	if err := a.put(ctx, metaKey, doc); err != nil {
		return keys, err
	}
	keys = append(keys, metaKey)

	return keys, nil
}

func (a *Archiver) putFile(ctx context.Context, key, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return &ArchiveError{Op: "Put", Bucket: a.bucket, Key: key, Err: err}
	}
	return a.put(ctx, key, data)
}

func (a *Archiver) put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return a.wrapError("Put", key, err)
	}
	return nil
}

// wrapError classifies AWS API errors into sentinel errors where possible.
func (a *Archiver) wrapError(op, key string, err error) error {
	wrapped := err

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied":
			wrapped = fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return &ArchiveError{Op: op, Bucket: a.bucket, Key: key, Err: wrapped}
}
