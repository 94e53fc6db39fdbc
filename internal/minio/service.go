package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrBucketMissing = errors.New("minio bucket does not exist")

// ObjectStore is the subset of *minio.Client the archive needs.
type ObjectStore interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// EventArchive keeps raw provider payloads in object storage for audit.
// Archiving is best effort and never blocks reconciliation.
type EventArchive struct {
	Client         ObjectStore
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	WorkerPool     *ants.Pool
	BucketName     string
	PathPrefix     string
	Timeout        time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration

	wg sync.WaitGroup
}

func NewEventArchive() (*EventArchive, error) {
	endpointURL := config.Conf.MinioEndpointURL

	client, err := minio.New(endpointURL, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Conf.MinioAccessKey, config.Conf.MinioSecretKey, ""),
		Secure: config.Conf.MinioSecure,
	})
	if err != nil {
		logging.Logger.Error("Failed to initialize MinIO client",
			zap.String("endpoint", endpointURL),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to MinIO",
		zap.String("endpoint", endpointURL),
		zap.String("bucket", config.Conf.MinioBucketName),
	)

	return NewEventArchiveWithStore(client)
}

func NewEventArchiveWithStore(store ObjectStore) (*EventArchive, error) {
	workerPool, err := ants.NewPool(config.Conf.EventPoolSize, ants.WithNonblocking(true))
	if err != nil {
		logging.Logger.Error("Failed to create archive worker pool", zap.String("error", err.Error()))
		return nil, err
	}

	return &EventArchive{
		Client:         store,
		CircuitBreaker: newCircuitBreaker(),
		WorkerPool:     workerPool,
		BucketName:     config.Conf.MinioBucketName,
		PathPrefix:     config.Conf.MinioPathPrefix,
		Timeout:        time.Duration(config.Conf.MinioTimeout) * time.Second,
		RetryAttempts:  config.Conf.MinioMaxRetryAttempts,
		RetryDelay:     time.Duration(config.Conf.MinioRetryBackoffMinSeconds) * time.Second,
		RetryMaxDelay:  time.Duration(config.Conf.MinioRetryBackoffMaxSeconds) * time.Second,
	}, nil
}

func newCircuitBreaker() *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:     circuitbreak.MinioService,
		Interval: time.Duration(config.Conf.MinioIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.MinioConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn(
				"Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.MinioService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// ObjectKey lays archived payloads out as <prefix>/<call id>/<unix nanos>.json
// so every delivery of a call is kept side by side.
func ObjectKey(prefix, callID string, at time.Time) string {
	return path.Join(prefix, callID, fmt.Sprintf("%d.json", at.UnixNano()))
}

// Archive queues raw for upload and returns immediately. Payloads are dropped
// with a log line when the pool is saturated or the upload keeps failing.
func (a *EventArchive) Archive(callID string, raw []byte) {
	objectKey := ObjectKey(a.PathPrefix, callID, time.Now())
	payload := bytes.Clone(raw)

	a.wg.Add(1)

	err := a.WorkerPool.Submit(func() {
		defer a.wg.Done()

		uploadErr := a.Upload(context.Background(), objectKey, payload)
		if uploadErr != nil {
			logging.Logger.Warn("[Archive] event payload not archived",
				zap.String("call_id", callID),
				zap.String("object_key", objectKey),
				zap.String("error", uploadErr.Error()),
			)
		}
	})
	if err != nil {
		a.wg.Done()
		logging.Logger.Warn("[Archive] archive pool rejected payload",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}

func (a *EventArchive) Upload(ctx context.Context, objectKey string, payload []byte) error {
	_, err := a.CircuitBreaker.Execute(func() (any, error) {
		return nil, a.doUpload(ctx, objectKey, payload)
	})

	return err
}

// Ping confirms the bucket is reachable.
func (a *EventArchive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	exists, err := a.Client.BucketExists(ctx, a.BucketName)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrBucketMissing, a.BucketName)
	}

	return nil
}

// Close waits for queued uploads before releasing the pool.
func (a *EventArchive) Close() {
	a.wg.Wait()
	a.WorkerPool.Release()
}

func (a *EventArchive) doUpload(ctx context.Context, objectKey string, payload []byte) error {
	timer := prometheus.NewTimer(prometheusDialer.MinioOperationDuration.WithLabelValues("upload"))
	defer timer.ObserveDuration()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			_, err := a.Client.PutObject(
				ctxWithTimeout,
				a.BucketName,
				objectKey,
				bytes.NewReader(payload),
				int64(len(payload)),
				minio.PutObjectOptions{ContentType: "application/json"},
			)
			if err != nil {
				logging.Logger.Error("MinIO upload failed",
					zap.String("object_key", objectKey),
					zap.String("error", err.Error()),
				)

				return err
			}

			logging.Logger.Debug("MinIO upload completed successfully", zap.String("object_key", objectKey))

			return nil
		},
		retry.Context(ctxWithTimeout),
		retry.Attempts(max(a.RetryAttempts, 1)),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(a.RetryDelay),
		retry.MaxDelay(a.RetryMaxDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logging.Logger.Error("MinIO upload failed after all retry attempts",
			zap.String("object_key", objectKey),
			zap.String("error", err.Error()),
		)

		return err
	}

	return nil
}
