package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/clock/system"
	idgen "github.com/JakeFAU/listing-stream/internal/id/uuid"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

type runnerFunc func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error)

func (f runnerFunc) Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
	return f(ctx, req)
}

func newStreamServer(t *testing.T, runner pipeline.Runner) (*pipeline.Coordinator, string) {
	t.Helper()
	coord, _, url := newStreamServerWithAPI(t, runner)
	return coord, url
}

func newStreamServerWithAPI(t *testing.T, runner pipeline.Runner) (*pipeline.Coordinator, *Server, string) {
	t.Helper()
	source := scrape.Source{BaseURL: "https://listing.test", Query: "-FC2", Pages: 3}
	coord := pipeline.NewCoordinator(runner, source, idgen.New(), system.New(), zap.NewNop())
	server := NewServer(coord, nil, Config{OutboxSize: 16, WriteTimeout: time.Second}, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		ts.Close()
	})
	return coord, server, "ws" + strings.TrimPrefix(ts.URL, "http") + StreamPath
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(payload, &evt))
	return evt
}

func TestStreamRunDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
		queries <- req.Source.Query
		total := req.Source.Pages
		for page := 1; page <= total; page++ {
			req.Broadcaster.BroadcastProgress(ctx, page, total)
		}
		req.Broadcaster.BroadcastChunk(ctx, []scrape.Record{{Name: "ubuntu.iso", Link: "magnet:?xt=1", Seeders: 4}})
		return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
	})
	_, url := newStreamServer(t, runner)

	conn := dial(t, url+"?q=ubuntu")

	for page := 1; page <= 3; page++ {
		evt := readEvent(t, conn)
		require.Equal(t, "progress", evt["type"])
		require.EqualValues(t, page, evt["current"])
		require.EqualValues(t, 3, evt["total"])
	}
	evt := readEvent(t, conn)
	require.Equal(t, "complete", evt["type"])
	data, ok := evt["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	require.Equal(t, "ubuntu.iso", data[0].(map[string]any)["Name"])

	require.Equal(t, "ubuntu", <-queries)
}

func TestStreamRunUsesDefaultQuery(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
		queries <- req.Source.Query
		req.Broadcaster.BroadcastError(ctx, "fetch https://listing.test/: unexpected status 503")
		return pipeline.RunState{Status: pipeline.StatusFailed}, errors.New("failed")
	})
	_, url := newStreamServer(t, runner)

	conn := dial(t, url)
	evt := readEvent(t, conn)
	require.Equal(t, "error", evt["type"])
	require.Contains(t, evt["message"], "503")
	require.Equal(t, "-FC2", <-queries)
}

func TestStreamRunSharesRunBetweenClients(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	runner := runnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
		once.Do(calls.Done)
		select {
		case <-release:
		case <-ctx.Done():
			return pipeline.RunState{Status: pipeline.StatusFailed}, ctx.Err()
		}
		req.Broadcaster.BroadcastProgress(ctx, 1, 1)
		return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
	})
	coord, url := newStreamServer(t, runner)

	first := dial(t, url+"?q=shared")
	calls.Wait()
	second := dial(t, url+"?q=shared")

	require.Eventually(t, func() bool {
		active := coord.Active()
		return len(active) == 1 && active[0].Subscribers == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Equal(t, "progress", readEvent(t, first)["type"])
	require.Equal(t, "progress", readEvent(t, second)["type"])
}

func TestStreamRunDetachesOnClientClose(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	runner := runnerFunc(func(ctx context.Context, _ pipeline.RunRequest) (pipeline.RunState, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
	})
	coord, url := newStreamServer(t, runner)

	conn := dial(t, url)
	require.Eventually(t, func() bool {
		active := coord.Active()
		return len(active) == 1 && active[0].Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		active := coord.Active()
		return len(active) == 1 && active[0].Subscribers == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRunRejectedDuringShutdown(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(context.Context, pipeline.RunRequest) (pipeline.RunState, error) {
		return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
	})
	coord, url := newStreamServer(t, runner)
	require.NoError(t, coord.Shutdown(context.Background()))

	conn := dial(t, url)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestCloseStreamsFlushesFinalEvent(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
		<-ctx.Done()
		req.Broadcaster.BroadcastError(context.WithoutCancel(ctx), ctx.Err().Error())
		return pipeline.RunState{Status: pipeline.StatusFailed}, ctx.Err()
	})
	coord, server, url := newStreamServerWithAPI(t, runner)

	conn := dial(t, url)
	require.Eventually(t, func() bool {
		active := coord.Active()
		return len(active) == 1 && active[0].Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.Shutdown(context.Background()))
	server.CloseStreams()

	evt := readEvent(t, conn)
	require.Equal(t, "error", evt["type"])
	require.Equal(t, context.Canceled.Error(), evt["message"])

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestWSSubscriberSendBackpressure(t *testing.T) {
	t.Parallel()

	sub := newWSSubscriber("sub-1", nil, Config{OutboxSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, sub.Send(ctx, scrape.ProgressEvent(1, 2)))
	require.ErrorIs(t, sub.Send(ctx, scrape.ProgressEvent(2, 2)), registry.ErrOutboxFull)

	sub.Close()
	sub.Close()
	require.ErrorIs(t, sub.Send(ctx, scrape.ProgressEvent(2, 2)), registry.ErrSubscriberClosed)
	require.Equal(t, websocket.ClosePolicyViolation, sub.closeCode)
	require.Equal(t, "sub-1", sub.ID())
}

func TestRegistryClosesOverflowingSubscriber(t *testing.T) {
	t.Parallel()

	sub := newWSSubscriber("sub-1", nil, Config{OutboxSize: 1}, nil)
	reg := registry.New()
	reg.Register(sub)

	ctx := context.Background()
	reg.BroadcastProgress(ctx, 1, 2)
	reg.BroadcastProgress(ctx, 2, 2)
	require.Equal(t, 0, reg.Len())

	select {
	case <-sub.closed:
	default:
		t.Fatal("dropped subscriber was not closed")
	}
	require.Equal(t, websocket.ClosePolicyViolation, sub.closeCode)

	reg.BroadcastError(ctx, "boom")
	require.Len(t, sub.outbox, 1)
}

func TestStreamRunClosesSlowClient(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(ctx context.Context, req pipeline.RunRequest) (pipeline.RunState, error) {
		for i := 1; i <= 10000; i++ {
			req.Broadcaster.BroadcastProgress(ctx, i, 10000)
		}
		return pipeline.RunState{Status: pipeline.StatusCompleted}, nil
	})
	source := scrape.Source{BaseURL: "https://listing.test", Query: "-FC2", Pages: 1}
	coord := pipeline.NewCoordinator(runner, source, idgen.New(), system.New(), zap.NewNop())
	server := NewServer(coord, nil, Config{OutboxSize: 1, WriteTimeout: time.Second}, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		ts.Close()
	})

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http")+StreamPath)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
