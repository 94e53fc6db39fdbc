package deadletter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errReplay = errors.New("database unavailable")

func stored(t *testing.T, dbConn *gorm.DB, callID string) *deadletter.EventDeadLetter {
	t.Helper()

	var dlEvent deadletter.EventDeadLetter

	err := dbConn.Where("call_id = ?", callID).First(&dlEvent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}

	require.NoError(t, err)

	return &dlEvent
}

func TestMarkEventUpsertsByCallID(t *testing.T) {
	dbConn := test.NewSQLiteDB(t)
	dlService := deadletter.NewService(dbConn, nil)
	ctx := context.Background()

	require.NoError(t, dlService.MarkEvent(ctx, "call-1", []byte(`{"status":"ringing"}`), "first"))
	require.NoError(t, dlService.MarkEvent(ctx, "call-1", []byte(`{"status":"completed"}`), "second"))

	var count int64
	require.NoError(t, dbConn.Model(&deadletter.EventDeadLetter{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	dlEvent := stored(t, dbConn, "call-1")
	require.NotNil(t, dlEvent)
	require.JSONEq(t, `{"status":"completed"}`, string(dlEvent.Payload))
	require.Equal(t, "second", dlEvent.Error)
	require.Equal(t, deadletter.StatusPending, dlEvent.Status)
	require.NotNil(t, dlEvent.LastRetryAt)
}

func TestProcessDeadLetterEventDeletesOnSuccess(t *testing.T) {
	dbConn := test.NewSQLiteDB(t)
	ctx := context.Background()

	var replayed []byte

	dlService := deadletter.NewService(dbConn, func(_ context.Context, payload []byte) error {
		replayed = payload
		return nil
	})

	require.NoError(t, dlService.MarkEvent(ctx, "call-2", []byte(`{"call_id":"call-2"}`), "boom"))

	dlService.ProcessDeadLetterEvent(ctx, stored(t, dbConn, "call-2"))

	require.JSONEq(t, `{"call_id":"call-2"}`, string(replayed))
	require.Nil(t, stored(t, dbConn, "call-2"))
}

func TestProcessDeadLetterEventCountsFailedReplay(t *testing.T) {
	dbConn := test.NewSQLiteDB(t)
	ctx := context.Background()

	dlService := deadletter.NewService(dbConn, func(context.Context, []byte) error {
		return errReplay
	})

	require.NoError(t, dlService.MarkEvent(ctx, "call-3", []byte(`{}`), "boom"))

	dlService.ProcessDeadLetterEvent(ctx, stored(t, dbConn, "call-3"))

	dlEvent := stored(t, dbConn, "call-3")
	require.NotNil(t, dlEvent)
	require.Equal(t, 1, dlEvent.RetryCount)
	require.Equal(t, deadletter.StatusPending, dlEvent.Status)
	require.Equal(t, errReplay.Error(), dlEvent.Error)
}

func TestProcessDeadLetterEventSkipsClaimedEntry(t *testing.T) {
	dbConn := test.NewSQLiteDB(t)
	ctx := context.Background()

	var calls atomic.Int32

	dlService := deadletter.NewService(dbConn, func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, dlService.MarkEvent(ctx, "call-4", []byte(`{}`), "boom"))

	dlEvent := stored(t, dbConn, "call-4")

	claimed, err := dlService.DLRepository.ClaimEvent(ctx, dlEvent)
	require.NoError(t, err)
	require.True(t, claimed)

	dlService.ProcessDeadLetterEvent(ctx, dlEvent)

	require.Zero(t, calls.Load())
	require.NotNil(t, stored(t, dbConn, "call-4"))
}

func TestWorkerProcessPendingReplaysDueEvents(t *testing.T) {
	dbConn := test.NewSQLiteDB(t)
	ctx := context.Background()

	retryDelay, maxRetries := config.Conf.DeadLetterEventRetryDelay, config.Conf.DeadLetterEventMaxRetries
	config.Conf.DeadLetterEventRetryDelay = 0
	config.Conf.DeadLetterEventMaxRetries = 2

	t.Cleanup(func() {
		config.Conf.DeadLetterEventRetryDelay = retryDelay
		config.Conf.DeadLetterEventMaxRetries = maxRetries
	})

	var calls atomic.Int32

	dlService := deadletter.NewService(dbConn, func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, dlService.MarkEvent(ctx, "due", []byte(`{}`), "boom"))
	require.NoError(t, dlService.MarkEvent(ctx, "exhausted", []byte(`{}`), "boom"))
	require.NoError(t, dbConn.Model(&deadletter.EventDeadLetter{}).
		Where("call_id = ?", "exhausted").
		Update("retry_count", 2).Error)

	// make sure the stored retry timestamps are strictly in the past
	time.Sleep(10 * time.Millisecond)

	pending, err := dlService.DLRepository.GetPendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "due", pending[0].CallID)

	dlWorker, err := deadletter.NewWorker(dlService)
	require.NoError(t, err)

	t.Cleanup(dlWorker.WorkerPool.Release)

	dlWorker.ProcessPending(ctx)

	require.Eventually(t, func() bool {
		return stored(t, dbConn, "due") == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, calls.Load())
	require.NotNil(t, stored(t, dbConn, "exhausted"))
}
