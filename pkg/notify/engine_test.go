package notify_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/notify"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *notify.Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := notify.NewEngine(file.NewNotifyResponseRepository(t.TempDir()), logger)

	t.Cleanup(engine.Close)

	return engine
}

type recorder struct {
	calls     atomic.Int32
	responses chan map[string]models.ResponseData
}

func newRecorder() *recorder {
	return &recorder{responses: make(chan map[string]models.ResponseData, 4)}
}

func (r *recorder) callback(_ context.Context, responses map[string]models.ResponseData) {
	r.calls.Add(1)
	r.responses <- responses
}

func (r *recorder) await(t *testing.T) map[string]models.ResponseData {
	t.Helper()

	select {
	case responses := <-r.responses:
		return responses
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")

		return nil
	}
}

func payload(t *testing.T, v any) models.ResponseData {
	t.Helper()

	data, err := models.NewPayloadResponse(v)
	require.NoError(t, err)

	return data
}

func TestEngine_CallbackRunsOnceAllIDsAreDone(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.WaitForAllOn(ctx, rec.callback, "a", "b", "c")
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		saved, err := engine.DoneWith(ctx, id, payload(t, id))
		require.NoError(t, err)
		assert.True(t, saved)
	}

	assert.Equal(t, int32(0), rec.calls.Load())
	assert.Equal(t, 1, engine.Pending())

	_, err = engine.DoneWith(ctx, "c", models.NewErrorResponse(models.ErrorKindApplication, "boom"))
	require.NoError(t, err)

	responses := rec.await(t)
	assert.Len(t, responses, 3)
	assert.Contains(t, responses, "a")
	assert.Contains(t, responses, "b")
	assert.True(t, responses["c"].IsError())
	assert.Equal(t, 0, engine.Pending())
}

func TestEngine_DuplicateResponseIsDiscarded(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.WaitForAllOn(ctx, rec.callback, "a")
	require.NoError(t, err)

	saved, err := engine.DoneWith(ctx, "a", payload(t, "first"))
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = engine.DoneWith(ctx, "a", payload(t, "second"))
	require.NoError(t, err)
	assert.False(t, saved)

	responses := rec.await(t)

	var value string
	require.NoError(t, responses["a"].Decode(&value))
	assert.Equal(t, "first", value)

	engine.Close()
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestEngine_ConcurrentRedeliveryInvokesCallbackOnce(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.WaitForAllOn(ctx, rec.callback, "a", "b")
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 10 {
		for _, id := range []string{"a", "b"} {
			wg.Add(1)

			go func(id string) {
				defer wg.Done()

				_, err := engine.DoneWith(ctx, id, payload(t, id))
				assert.NoError(t, err)
			}(id)
		}
	}

	wg.Wait()
	rec.await(t)
	engine.Close()

	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestEngine_ResponsesStoredBeforeWaitCount(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.DoneWith(ctx, "early", payload(t, "done"))
	require.NoError(t, err)

	_, err = engine.WaitForAllOn(ctx, rec.callback, "early")
	require.NoError(t, err)

	responses := rec.await(t)
	assert.Contains(t, responses, "early")
}

func TestEngine_ExpireAfterSynthesizesTimeout(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	engine.ExpireAfter("slow", 50*time.Millisecond)
	engine.ExpireAfter("fast", time.Hour)

	_, err := engine.WaitForAllOn(ctx, rec.callback, "slow", "fast")
	require.NoError(t, err)

	_, err = engine.DoneWith(ctx, "fast", payload(t, "ok"))
	require.NoError(t, err)

	responses := rec.await(t)
	assert.True(t, responses["slow"].IsTimeout())
	assert.Equal(t, models.FailureTypeTimeout, responses["slow"].FailureType())
	assert.False(t, responses["fast"].IsError())
}

func TestEngine_RealResponseStopsExpiry(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	engine.ExpireAfter("a", 50*time.Millisecond)

	_, err := engine.DoneWith(ctx, "a", payload(t, "ok"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = engine.WaitForAllOn(ctx, rec.callback, "a")
	require.NoError(t, err)

	responses := rec.await(t)
	assert.False(t, responses["a"].IsError())
}

func TestEngine_DeadlinesFollowArmedTimers(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)

	before := time.Now().UTC()

	engine.ExpireAfter("a", time.Hour)
	engine.ExpireAfter("b", time.Hour)
	engine.ExpireAfter("c", time.Hour)

	deadlines := engine.Deadlines("a", "b", "c", "unknown")
	require.Len(t, deadlines, 3)
	assert.WithinDuration(t, before.Add(time.Hour), deadlines["a"], time.Second)

	_, err := engine.DoneWith(ctx, "a", payload(t, "ok"))
	require.NoError(t, err)

	engine.CancelExpiry("b")

	assert.Equal(t, []string{"c"}, keys(engine.Deadlines("a", "b", "c")))
}

func TestEngine_CancelExpiryStopsTimeout(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	engine.ExpireAfter("a", 20*time.Millisecond)
	engine.CancelExpiry("a")

	_, err := engine.WaitForAllOn(ctx, rec.callback, "a")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), rec.calls.Load())
	assert.Equal(t, 1, engine.Pending())
}

func TestEngine_RearmSkipsResolvedIDs(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.DoneWith(ctx, "resolved", payload(t, "ok"))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, engine.Rearm(ctx, map[string]time.Time{
		"resolved": past,
		"lost":     past,
	}))
	assert.NotContains(t, engine.Deadlines("resolved"), "resolved")

	_, err = engine.WaitForAllOn(ctx, rec.callback, "resolved", "lost")
	require.NoError(t, err)

	responses := rec.await(t)
	assert.False(t, responses["resolved"].IsError())
	assert.True(t, responses["lost"].IsTimeout())
}

func keys(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}

func TestEngine_WaitWithoutIDsIsRejected(t *testing.T) {
	engine := newEngine(t)

	_, err := engine.WaitForAllOn(context.Background(), newRecorder().callback)
	assert.ErrorIs(t, err, notify.ErrNoCorrelationIDs)

	_, err = engine.WaitForAllOn(context.Background(), newRecorder().callback, "", "")
	assert.ErrorIs(t, err, notify.ErrNoCorrelationIDs)
}

func TestEngine_CancelledWaitDoesNotFire(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	waitID, err := engine.WaitForAllOn(ctx, rec.callback, "a")
	require.NoError(t, err)

	engine.Cancel(waitID)

	_, err = engine.DoneWith(ctx, "a", payload(t, "late"))
	require.NoError(t, err)

	engine.Close()
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestEngine_OverlappingWaits(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	first := newRecorder()
	second := newRecorder()

	_, err := engine.WaitForAllOn(ctx, first.callback, "shared")
	require.NoError(t, err)
	_, err = engine.WaitForAllOn(ctx, second.callback, "shared", "own")
	require.NoError(t, err)

	_, err = engine.DoneWith(ctx, "shared", payload(t, 1))
	require.NoError(t, err)

	assert.Len(t, first.await(t), 1)

	_, err = engine.DoneWith(ctx, "own", payload(t, 2))
	require.NoError(t, err)

	assert.Len(t, second.await(t), 2)
}

func TestEngine_HandleDelegateResponse(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	rec := newRecorder()

	_, err := engine.WaitForAllOn(ctx, rec.callback, "wait-1")
	require.NoError(t, err)

	err = engine.HandleDelegateResponse(ctx, &events.DelegateTaskResponded{
		BaseEvent:     events.NewBaseEvent(events.DelegateTaskRespondedEvent, "app-1"),
		CorrelationID: "wait-1",
		Data:          models.NewErrorResponse(models.ErrorKindConnectivity, "unreachable"),
	})
	require.NoError(t, err)

	responses := rec.await(t)
	assert.Equal(t, models.FailureTypeConnectivity, responses["wait-1"].FailureType())

	assert.Error(t, engine.HandleDelegateResponse(ctx, "not an event"))
}
