package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"convertstep/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func newTestWhiteboard(maxRetries int, rt roundTripFunc) *WhiteboardService {
	svc := NewWhiteboardService("http://whiteboard.invalid", "sdk-token", time.Second, maxRetries, zap.NewNop())
	svc.client.Transport = rt
	return svc
}

func TestWhiteboardService_QueryStatus_SendsTaskCoordinates(t *testing.T) {
	t.Parallel()

	svc := newTestWhiteboard(0, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v5/services/conversion/tasks/task-123", r.URL.Path)
		assert.Equal(t, "dynamic", r.URL.Query().Get("type"))
		assert.Equal(t, "sdk-token", r.Header.Get("token"))
		assert.Equal(t, "cn-hz", r.Header.Get("region"))
		return jsonResponse(http.StatusOK, `{"uuid":"task-123","type":"dynamic","status":"Converting","progress":{"totalPageSize":10,"convertedPageSize":4,"convertedPercentage":40}}`), nil
	})

	task, err := svc.QueryStatus(context.Background(), "cn-hz", "task-123", models.ResourceTypeDynamic)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusConverting, task.Status)
	require.NotNil(t, task.Progress)
	assert.Equal(t, 4, task.Progress.ConvertedPageSize)
}

func TestWhiteboardService_QueryStatus_KeepsUnknownStatus(t *testing.T) {
	t.Parallel()

	svc := newTestWhiteboard(0, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"uuid":"task-1","status":"Paused"}`), nil
	})

	task, err := svc.QueryStatus(context.Background(), "us-sv", "task-1", models.ResourceTypeStatic)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatus("Paused"), task.Status)
}

func TestWhiteboardService_QueryStatus_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls int32
	svc := newTestWhiteboard(2, func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return jsonResponse(http.StatusBadGateway, "upstream down"), nil
		}
		return jsonResponse(http.StatusOK, `{"uuid":"task-1","status":"Finished"}`), nil
	})

	task, err := svc.QueryStatus(context.Background(), "us-sv", "task-1", models.ResourceTypeStatic)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFinished, task.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWhiteboardService_QueryStatus_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls int32
	svc := newTestWhiteboard(3, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusNotFound, `{"code":"TaskNotFound"}`), nil
	})

	_, err := svc.QueryStatus(context.Background(), "us-sv", "task-1", models.ResourceTypeStatic)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWhiteboardService_QueryStatus_TransportError(t *testing.T) {
	t.Parallel()

	svc := newTestWhiteboard(1, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	})

	_, err := svc.QueryStatus(context.Background(), "us-sv", "task-1", models.ResourceTypeStatic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWhiteboardService_QueryStatus_StopsRetryingWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	svc := newTestWhiteboard(5, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return jsonResponse(http.StatusServiceUnavailable, "busy"), nil
	})

	_, err := svc.QueryStatus(ctx, "us-sv", "task-1", models.ResourceTypeStatic)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
