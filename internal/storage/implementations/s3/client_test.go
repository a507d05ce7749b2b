package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

var _ interfaces.ResultsSink = (*ArchiveSink)(nil)

// fakeBucket keeps uploaded objects in memory
type fakeBucket struct {
	s3iface.S3API
	mu       sync.Mutex
	objects  map[string][]byte
	inputs   map[string]*s3manager.UploadInput
	headErr  error
	failPuts bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects: make(map[string][]byte),
		inputs:  make(map[string]*s3manager.UploadInput),
	}
}

func (f *fakeBucket) HeadBucketWithContext(ctx aws.Context, in *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeBucket) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeBucket) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.failPuts {
		return nil, stderrors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.inputs[*in.Key] = in
	return &s3manager.UploadOutput{Location: "s3://" + *in.Bucket + "/" + *in.Key}, nil
}

func (f *fakeBucket) Download(w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	return f.DownloadWithContext(context.Background(), w, in, opts...)
}

func (f *fakeBucket) DownloadWithContext(ctx aws.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	f.mu.Lock()
	data, ok := f.objects[*in.Key]
	f.mu.Unlock()
	if !ok {
		return 0, stderrors.New("NoSuchKey")
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func newTestSink(t *testing.T, config *S3Config) (*ArchiveSink, *fakeBucket) {
	t.Helper()
	bucket := newFakeBucket()
	sink, err := NewArchiveSinkWithClients(config, bucket, bucket, bucket, logrus.New())
	require.NoError(t, err)
	return sink, bucket
}

func finalResults() (*models.Experiment, *models.ExperimentResults) {
	exp := &models.Experiment{ID: "exp-1", Name: "Checkout", Status: models.StatusCompleted, WinnerVariantID: "treatment"}
	results := &models.ExperimentResults{
		ExperimentID:  "exp-1",
		TotalSessions: 2000,
		BestVariantID: "treatment",
		GeneratedAt:   time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	return exp, results
}

func TestNewArchiveSink(t *testing.T) {
	config := &S3Config{Region: "us-east-1", Bucket: "test-bucket"}

	logger := logrus.New()
	sink, err := NewArchiveSink(config, logger)

	require.NoError(t, err)
	assert.Equal(t, config, sink.config)
	assert.Equal(t, logger, sink.logger)
}

func TestNewArchiveSinkInvalidConfig(t *testing.T) {
	_, err := NewArchiveSink(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 config cannot be nil")

	_, err = NewArchiveSink(&S3Config{Region: "us-east-1"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 bucket is required")
}

func TestArchiveSinkGenerateKey(t *testing.T) {
	sink, err := NewArchiveSink(&S3Config{Bucket: "b", Prefix: "splitlab"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "splitlab/experiments/exp-1/final-results.json", sink.generateKey("exp-1"))

	sink, err = NewArchiveSink(&S3Config{Bucket: "b", UseCompression: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "experiments/exp-1/final-results.json.gz", sink.generateKey("exp-1"))
}

func TestArchiveSinkRecordAndRead(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		sink, bucket := newTestSink(t, &S3Config{Bucket: "archive", Prefix: "prod", UseCompression: compressed, StorageClass: "STANDARD_IA"})
		ctx := context.Background()
		exp, results := finalResults()

		require.NoError(t, sink.Record(ctx, exp, results))

		key := sink.generateKey("exp-1")
		in := bucket.inputs[key]
		require.NotNil(t, in)
		assert.Equal(t, "archive", *in.Bucket)
		assert.Equal(t, "treatment", *in.Metadata["winner"])
		assert.Equal(t, "2000", *in.Metadata["total-sessions"])
		assert.Equal(t, "STANDARD_IA", *in.StorageClass)
		if compressed {
			require.NotNil(t, in.ContentEncoding)
			assert.Equal(t, "gzip", *in.ContentEncoding)
			assert.False(t, bytes.HasPrefix(bucket.objects[key], []byte("{")))
		} else {
			assert.Nil(t, in.ContentEncoding)
		}

		object, err := sink.ReadArchive(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, "1.0", object.Version)
		assert.Equal(t, "treatment", object.Experiment.WinnerVariantID)
		assert.Equal(t, int64(2000), object.Results.TotalSessions)
	}
}

func TestArchiveSinkUploadFailure(t *testing.T) {
	sink, bucket := newTestSink(t, &S3Config{Bucket: "archive"})
	bucket.failPuts = true

	exp, results := finalResults()
	err := sink.Record(context.Background(), exp, results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to upload")
}

func TestArchiveSinkPingAndClose(t *testing.T) {
	sink, bucket := newTestSink(t, &S3Config{Bucket: "archive"})
	ctx := context.Background()

	require.NoError(t, sink.Ping(ctx))

	bucket.headErr = stderrors.New("forbidden")
	require.Error(t, sink.Ping(ctx))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	exp, results := finalResults()
	assert.Error(t, sink.Record(ctx, exp, results))
	_, err := sink.ReadArchive(ctx, "exp-1")
	assert.Error(t, err)
}

func TestArchiveSinkMissingObject(t *testing.T) {
	sink, _ := newTestSink(t, &S3Config{Bucket: "archive"})
	_, err := sink.ReadArchive(context.Background(), "never-archived")
	require.Error(t, err)
}
