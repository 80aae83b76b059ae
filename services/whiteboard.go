package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"convertstep/models"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// StatusError is returned when the conversion service answers with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whiteboard returned status %d: %s", e.StatusCode, e.Body)
}

// WhiteboardService queries conversion tasks on the whiteboard conversion API.
type WhiteboardService struct {
	baseURL    string
	sdkToken   string
	maxRetries int
	client     *http.Client
	logger     *zap.Logger
}

func NewWhiteboardService(baseURL, sdkToken string, timeout time.Duration, maxRetries int, logger *zap.Logger) *WhiteboardService {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &WhiteboardService{
		baseURL:    baseURL,
		sdkToken:   sdkToken,
		maxRetries: maxRetries,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// QueryStatus fetches the current state of a conversion task. Transport errors
// and 5xx answers are retried with capped exponential backoff; 4xx is not.
func (w *WhiteboardService) QueryStatus(ctx context.Context, region, taskID string, resourceType models.ResourceType) (*models.ConversionTask, error) {
	backoff := retry.NewExponential(baseBackoff)
	backoff = retry.WithCappedDuration(maxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(w.maxRetries), backoff)

	var (
		task    *models.ConversionTask
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		task, err = w.queryOnce(ctx, region, taskID, resourceType)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return err
		}

		w.logger.Warn("conversion status query failed",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (w *WhiteboardService) queryOnce(ctx context.Context, region, taskID string, resourceType models.ResourceType) (*models.ConversionTask, error) {
	u := fmt.Sprintf("%s/v5/services/conversion/tasks/%s?type=%s",
		w.baseURL, url.PathEscape(taskID), url.QueryEscape(string(resourceType)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("token", w.sdkToken)
	req.Header.Set("region", region)
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whiteboard request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var task models.ConversionTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode conversion task: %w", err)
	}
	return &task, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}
