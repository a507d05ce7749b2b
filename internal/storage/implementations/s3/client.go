package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// S3Config holds configuration for the results archive
type S3Config struct {
	Region          string        `json:"region" mapstructure:"region"`
	Bucket          string        `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string        `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	UseCompression  bool          `json:"use_compression" mapstructure:"use_compression"`
	StorageClass    string        `json:"storage_class" mapstructure:"storage_class"`
}

// ArchiveObject is the document written for a completed experiment
type ArchiveObject struct {
	Experiment *models.Experiment        `json:"experiment"`
	Results    *models.ExperimentResults `json:"results"`
	Version    string                    `json:"version"`
	ArchivedAt time.Time                 `json:"archived_at"`
}

// ArchiveSink uploads the final results of completed experiments to S3
type ArchiveSink struct {
	config     *S3Config
	s3Client   s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	downloader s3manageriface.DownloaderAPI
	logger     *logrus.Logger
	mu         sync.RWMutex
	closed     bool
}

// NewArchiveSink creates a new, unconnected archive sink
func NewArchiveSink(config *S3Config, logger *logrus.Logger) (*ArchiveSink, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &ArchiveSink{
		config: config,
		logger: logger,
	}, nil
}

// NewArchiveSinkWithClients creates a connected sink on top of existing
// S3 clients
func NewArchiveSinkWithClients(config *S3Config, client s3iface.S3API, uploader s3manageriface.UploaderAPI, downloader s3manageriface.DownloaderAPI, logger *logrus.Logger) (*ArchiveSink, error) {
	sink, err := NewArchiveSink(config, logger)
	if err != nil {
		return nil, err
	}
	sink.s3Client = client
	sink.uploader = uploader
	sink.downloader = downloader
	return sink, nil
}

// Connect establishes connection to S3 and checks the bucket is reachable
func (s *ArchiveSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services such as MinIO
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to create AWS session")
	}

	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("Failed to access bucket '%s'", s.config.Bucket))
	}

	s.s3Client = client
	s.uploader = s3manager.NewUploaderWithClient(client)
	s.downloader = s3manager.NewDownloaderWithClient(client)
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")

	return nil
}

// Close releases the S3 clients
func (s *ArchiveSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.s3Client = nil
	s.uploader = nil
	s.downloader = nil
	s.closed = true

	s.logger.Info("S3 connection closed")
	return nil
}

// Ping checks the bucket is still reachable
func (s *ArchiveSink) Ping(ctx context.Context) error {
	s.mu.RLock()
	client := s.s3Client
	s.mu.RUnlock()

	if client == nil {
		return errors.WrapError(errors.ErrNotConnected, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 not connected")
	}

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 ping failed")
	}
	return nil
}

// Record uploads the final results of an experiment
func (s *ArchiveSink) Record(ctx context.Context, exp *models.Experiment, results *models.ExperimentResults) error {
	s.mu.RLock()
	uploader := s.uploader
	s.mu.RUnlock()

	if uploader == nil {
		return errors.WrapError(errors.ErrNotConnected, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 not connected")
	}

	object := &ArchiveObject{
		Experiment: exp,
		Results:    results,
		Version:    "1.0",
		ArchivedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(object)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to serialize results")
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if s.config.UseCompression {
		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		if _, err := gzWriter.Write(data); err != nil {
			return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to compress results")
		}
		if err := gzWriter.Close(); err != nil {
			return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to compress results")
		}
		body = bytes.NewReader(buf.Bytes())
		contentEncoding = constants.ContentEncodingGzip
	}

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.generateKey(results.ExperimentID)),
		Body:        body,
		ContentType: aws.String(constants.MimeTypeJSON),
		Metadata: map[string]*string{
			"experiment-id":  aws.String(results.ExperimentID),
			"best-variant":   aws.String(results.BestVariantID),
			"total-sessions": aws.String(strconv.FormatInt(results.TotalSessions, 10)),
			"generated-at":   aws.String(results.GeneratedAt.Format(time.RFC3339)),
		},
	}
	if exp != nil && exp.WinnerVariantID != "" {
		input.Metadata["winner"] = aws.String(exp.WinnerVariantID)
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	out, err := uploader.UploadWithContext(ctx, input)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upload results to S3")
	}

	s.logger.WithFields(logrus.Fields{
		"experiment_id": results.ExperimentID,
		"location":      out.Location,
		"bytes":         len(data),
	}).Info("Archived final experiment results")

	return nil
}

// ReadArchive downloads the archived results of an experiment
func (s *ArchiveSink) ReadArchive(ctx context.Context, experimentID string) (*ArchiveObject, error) {
	s.mu.RLock()
	downloader := s.downloader
	s.mu.RUnlock()

	if downloader == nil {
		return nil, errors.WrapError(errors.ErrNotConnected, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 not connected")
	}

	buf := aws.NewWriteAtBuffer(nil)
	_, err := downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(experimentID)),
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to download results from S3")
	}

	var reader io.Reader = bytes.NewReader(buf.Bytes())
	if s.config.UseCompression {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to decompress results")
		}
		defer gz.Close()
		reader = gz
	}

	var object ArchiveObject
	if err := json.NewDecoder(reader).Decode(&object); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to decode archived results")
	}
	return &object, nil
}

func (s *ArchiveSink) generateKey(experimentID string) string {
	name := "final-results.json"
	if s.config.UseCompression {
		name += ".gz"
	}
	return path.Join(s.config.Prefix, "experiments", experimentID, name)
}
