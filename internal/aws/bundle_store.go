package aws

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"

	"torch/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BundleStore writes extraction bundles as NDJSON objects to S3
type BundleStore struct {
	s3       *s3.Client
	uploader uploader
	bucket   string
	region   string
	prefix   string
}

func NewBundleStore(ctx context.Context, accessKey, secretKey, bucketName, region, prefix string) (*BundleStore, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	return &BundleStore{
		s3:       client,
		uploader: manager.NewUploader(client),
		bucket:   bucketName,
		region:   region,
		prefix:   prefix,
	}, nil
}

func (s *BundleStore) key(jobID, name string) string {
	return path.Join(s.prefix, jobID, name+".ndjson")
}

func (s *BundleStore) put(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/fhir+ndjson"),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", s.bucket).Str("key", key).Msg("Failed to upload bundle")
		return "", err
	}

	location := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
	log.Debug().Str("location", location).Int("size", len(body)).Msg("Uploaded bundle")
	return location, nil
}

func (s *BundleStore) PutBatchBundle(ctx context.Context, jobID, batchID string, bundle *model.PatientBundle) (string, error) {
	return s.put(ctx, s.key(jobID, batchID), EncodePatientBundle(bundle))
}

func (s *BundleStore) PutCoreBundle(ctx context.Context, jobID string, bundle *model.CoreBundle) (string, error) {
	return s.put(ctx, s.key(jobID, "core"), EncodeCoreBundle(bundle))
}

// Health lists at most one key to check bucket access
func (s *BundleStore) Health(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", s.bucket).Msg("AWS S3 health check failed")
	}
	return err
}

// EncodePatientBundle writes one resource per line, patients in id order
func EncodePatientBundle(bundle *model.PatientBundle) []byte {
	ids := make([]string, 0, len(bundle.Patients))
	for id := range bundle.Patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		for _, resource := range bundle.Patients[id] {
			writeLine(&buf, resource)
		}
	}
	return buf.Bytes()
}

func EncodeCoreBundle(bundle *model.CoreBundle) []byte {
	var buf bytes.Buffer
	for _, resource := range bundle.Resources {
		writeLine(&buf, resource)
	}
	return buf.Bytes()
}

func writeLine(buf *bytes.Buffer, resource []byte) {
	resource = bytes.TrimSpace(resource)
	if len(resource) == 0 {
		return
	}
	// NDJSON forbids raw newlines inside a record
	buf.Write(bytes.ReplaceAll(resource, []byte("\n"), nil))
	buf.WriteByte('\n')
}
