package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"connector-orchestrator/internal/config"
)

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store moves payloads above a size threshold to object storage.
// A Store without a bucket passes payloads through.
type Store struct {
	api       objectAPI
	bucket    string
	prefix    string
	threshold int
}

// New builds the store from config. No bucket means offload is off.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	if !cfg.PayloadStoreEnabled() {
		return &Store{}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{api: client, bucket: cfg.PayloadBucket, prefix: cfg.PayloadPrefix, threshold: cfg.PayloadThresholdBytes}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PayloadRegion),
	}
	if cfg.PayloadEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PayloadEndpoint,
					HostnameImmutable: cfg.PayloadPathStyle,
					SigningRegion:     cfg.PayloadRegion,
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
		o.UsePathStyle = cfg.PayloadPathStyle
	}), nil
}

func (s *Store) Enabled() bool {
	return s != nil && s.api != nil
}

// MaybeOffload uploads payload when it is larger than the threshold. The returned inline
// map replaces the payload in the database row and ref points at the object.
func (s *Store) MaybeOffload(ctx context.Context, tenantID, kind string, payload map[string]any) (map[string]any, *string, error) {
	if !s.Enabled() || payload == nil {
		return payload, nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(body) <= s.threshold {
		return payload, nil, nil
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	key := path.Join(s.prefix, tenantID, kind, uuid.NewString()+".json")
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"sha256":    digest,
			"tenant_id": tenantID,
			"kind":      kind,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("put object: %w", err)
	}
	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	inline := map[string]any{"stored": true, "size_bytes": len(body), "sha256": digest}
	return inline, &ref, nil
}

// Fetch loads and decodes an offloaded payload.
func (s *Store) Fetch(ctx context.Context, ref string) (map[string]any, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("payload store disabled, cannot fetch %s", ref)
	}
	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

func parseRef(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported payload ref %q", ref)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed payload ref %q", ref)
	}
	return bucket, key, nil
}
