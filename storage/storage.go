// Package storage provides S3-compatible object storage for message
// skeletons and externalized body parts.
//
// This package implements content-addressable storage with features
// including:
//   - Client-side AES-256-GCM encryption
//   - Content deduplication using BLAKE3 hashes
//   - Automatic metrics for every operation
//
// # Storage Architecture
//
// Objects are keyed by their BLAKE3 hash. Message skeletons live under
// msg/<hash>, externalized part content under att/<hash>. Because keys are
// derived from content, storing the same attachment twice is a no-op and
// parts shared between messages are stored once.
//
// # Encryption
//
// When encryption is enabled, objects are encrypted client-side using
// AES-256-GCM before upload. The encryption key is configured in
// config.toml and should be a 32-byte hex-encoded string.
//
// # Usage Example
//
//	// Initialize storage
//	s3, err := storage.New(
//		"s3.amazonaws.com",
//		"access-key",
//		"secret-key",
//		"my-bucket",
//		true,  // use TLS
//		false, // debug mode
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Store an externalized part
//	key := helpers.NewAttachmentKey(storage.ContentHash(data))
//	err = s3.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
//
//	// Retrieve it
//	body, err := s3.Get(ctx, key)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/migadu/crake/logger"
	"github.com/migadu/crake/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// ContentHash returns the hex-encoded BLAKE3 hash of data. It is the
// canonical object identity for everything crake stores.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	// Initialize the MinIO client
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL, // Use SSL (https) if true
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	// Enable detailed tracing of requests and responses for debugging
	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		Encrypt:    false,
	}, nil
}

// EnableEncryption enables client-side encryption for S3 storage
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	// Decode the hex-encoded encryption key
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}

	// Check if the key is 32 bytes (256 bits)
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")

	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	metrics.S3OperationDuration.WithLabelValues("STAT").Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.S3OperationsTotal.WithLabelValues("STAT", "success").Inc()
		return true, nil
	}

	// Check if the error is a minio.ErrorResponse
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if minioErr.StatusCode == 404 {
			metrics.S3OperationsTotal.WithLabelValues("STAT", "success").Inc()
			return false, nil // Object does not exist
		}
	}

	metrics.S3OperationsTotal.WithLabelValues("STAT", "error").Inc()
	metrics.StorageOperationErrors.WithLabelValues("STAT", classifyS3Error(err)).Inc()
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	// If encryption is enabled, encrypt the data before uploading
	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "read_error").Inc()
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}

		encryptedData, err := s.encryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}

		body = bytes.NewReader(encryptedData)
		size = int64(len(encryptedData))
	}

	_, err := s.Client.PutObject(
		ctx,
		s.BucketName,
		key,
		body,
		size,
		minio.PutObjectOptions{SendContentMd5: true},
	)
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return err
}

// encryptData encrypts data using AES-256-GCM
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Create a random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// decryptData decrypts data using AES-256-GCM
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Extract the nonce from the ciphertext
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.StorageOperationErrors.WithLabelValues("GET", classifyS3Error(err)).Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}

	// If encryption is enabled, decrypt the data after downloading
	if s.Encrypt {
		encryptedData, err := io.ReadAll(object)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to read encrypted data: %w", err)
		}

		// Close the original reader since we've read all the data
		if err := object.Close(); err != nil {
			logger.Warn("STORAGE: Failed to close S3 object", "error", err)
		}

		decryptedData, err := s.decryptData(encryptedData)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}

		metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return io.NopCloser(bytes.NewReader(decryptedData)), nil
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	// Check if the object exists before attempting to delete.
	// This makes deletion idempotent.
	exists, err := s.Exists(ctx, key)
	if err != nil {
		logger.Error("STORAGE: Error checking existence of object", "key", key, "error", err)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return err
	}
	if !exists {
		// Object does not exist, consider it successfully "deleted"
		logger.Info("STORAGE: Object does not exist in S3 - skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		metrics.StorageOperationErrors.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

// HealthCheck verifies the configured bucket is reachable.
func (s *S3Storage) HealthCheck(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage bucket %s does not exist", s.BucketName)
	}
	return nil
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}

// IsNotFound reports whether err represents a missing object.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == 404
	}
	return classifyS3Error(err) == "not_found"
}

// S3Object represents an S3 object in list results
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListObjects lists objects in S3 with the given prefix
func (s *S3Storage) ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan S3Object, <-chan error) {
	objectCh := make(chan S3Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: recursive,
		}

		for object := range s.Client.ListObjects(ctx, s.BucketName, opts) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}

			select {
			case objectCh <- S3Object{
				Key:          object.Key,
				Size:         object.Size,
				LastModified: object.LastModified,
				ETag:         object.ETag,
			}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objectCh, errCh
}
