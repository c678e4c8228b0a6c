package davclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbaechler/calgrace/internal/calendar"
)

type Logger interface {
	Printf(format string, args ...any)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// HTTPStore talks to a remote calendar store over its HTTP API. It
// implements the client's remote store contract: stale writes surface as
// conflicts carrying the server's current object, transient failures are
// retried with backoff.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPStore) GetEvent(ctx context.Context, path string) (*calendar.EventShell, error) {
	status, header, payload, err := c.do(ctx, http.MethodGet, "/v1/events?"+pathQuery(path), nil, nil, path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &HTTPError{StatusCode: status}
	}
	var shell calendar.EventShell
	if err := json.Unmarshal(payload, &shell); err != nil {
		return nil, err
	}
	shell.Path = path
	shell.Etag = header.Get("ETag")
	return &shell, nil
}

// ListEvents fetches the committed objects under a calendar path.
func (c *HTTPStore) ListEvents(ctx context.Context, calendarPath string) ([]*calendar.EventShell, error) {
	status, _, payload, err := c.do(ctx, http.MethodGet, "/v1/calendars?"+pathQuery(calendarPath), nil, nil, calendarPath)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &HTTPError{StatusCode: status}
	}
	var body struct {
		Events []struct {
			Path  string               `json:"path"`
			Etag  string               `json:"etag"`
			Event *calendar.EventShell `json:"event"`
		} `json:"events"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	shells := make([]*calendar.EventShell, 0, len(body.Events))
	for _, entry := range body.Events {
		if entry.Event == nil {
			continue
		}
		entry.Event.Path = entry.Path
		entry.Event.Etag = entry.Etag
		shells = append(shells, entry.Event)
	}
	return shells, nil
}

func (c *HTTPStore) CreateEvent(ctx context.Context, path string, event *calendar.EventShell) (calendar.CreateResult, error) {
	status, header, payload, err := c.do(ctx, http.MethodPut, "/v1/events?"+pathQuery(path), nil, event, path)
	if err != nil {
		return calendar.CreateResult{}, err
	}
	switch status {
	case http.StatusCreated:
		var shell calendar.EventShell
		if err := json.Unmarshal(payload, &shell); err != nil {
			return calendar.CreateResult{}, err
		}
		shell.Path = path
		shell.Etag = header.Get("ETag")
		return calendar.CreateResult{Event: &shell}, nil
	case http.StatusAccepted:
		taskID, err := decodeTaskID(payload)
		if err != nil {
			return calendar.CreateResult{}, err
		}
		return calendar.CreateResult{TaskID: taskID}, nil
	default:
		return calendar.CreateResult{}, &HTTPError{StatusCode: status}
	}
}

func (c *HTTPStore) UpdateEvent(ctx context.Context, path string, event *calendar.EventShell, etag string) (string, error) {
	headers := map[string]string{"If-Match": etag}
	status, _, payload, err := c.do(ctx, http.MethodPut, "/v1/events?"+pathQuery(path), headers, event, path)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusNoContent:
		return "", nil
	case http.StatusAccepted:
		return decodeTaskID(payload)
	default:
		return "", &HTTPError{StatusCode: status}
	}
}

func (c *HTTPStore) DeleteEvent(ctx context.Context, path string, etag string) (string, error) {
	headers := map[string]string{"If-Match": etag}
	status, _, payload, err := c.do(ctx, http.MethodDelete, "/v1/events?"+pathQuery(path), headers, nil, path)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusNoContent:
		return "", nil
	case http.StatusAccepted:
		return decodeTaskID(payload)
	default:
		return "", &HTTPError{StatusCode: status}
	}
}

func (c *HTTPStore) ChangeParticipation(ctx context.Context, path string, event *calendar.EventShell, etag string) (calendar.ParticipationResult, error) {
	body := map[string]any{
		"path":  path,
		"etag":  etag,
		"event": event,
	}
	status, _, payload, err := c.do(ctx, http.MethodPost, "/v1/participation", nil, body, path)
	if err != nil {
		return calendar.ParticipationResult{}, err
	}
	if status != http.StatusOK {
		return calendar.ParticipationResult{}, &HTTPError{StatusCode: status}
	}
	var res struct {
		Etag  string               `json:"etag"`
		Event *calendar.EventShell `json:"event"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return calendar.ParticipationResult{}, err
	}
	if res.Event != nil {
		res.Event.Path = path
		res.Event.Etag = res.Etag
	}
	return calendar.ParticipationResult{Event: res.Event}, nil
}

func (c *HTTPStore) CancelTask(ctx context.Context, taskID string) (calendar.CancelStatus, error) {
	status, _, payload, err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(taskID), nil, nil, "")
	if err != nil {
		return calendar.CancelAcknowledged, err
	}
	if status != http.StatusOK {
		return calendar.CancelAcknowledged, &HTTPError{StatusCode: status}
	}
	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return calendar.CancelAcknowledged, err
	}
	if res.Status == "committed" {
		return calendar.CancelAlreadyCommitted, nil
	}
	return calendar.CancelAcknowledged, nil
}

// do runs one request with the client's retry policy and maps the API's
// error shapes: 412 becomes a conflict carrying the server's current
// object, 404 becomes not-found. objPath is the object the request was
// about, used to label conflicts.
func (c *HTTPStore) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	objPath string,
) (int, http.Header, []byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, nil, nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, nil, nil, waitErr
				}
				continue
			}
			return 0, nil, nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp.StatusCode, resp.Header, payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, nil, waitErr
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusPreconditionFailed:
			var conflictBody struct {
				Etag    string               `json:"etag"`
				Current *calendar.EventShell `json:"current"`
			}
			_ = json.Unmarshal(payload, &conflictBody)
			if conflictBody.Current != nil {
				conflictBody.Current.Path = objPath
				conflictBody.Current.Etag = conflictBody.Etag
			}
			return 0, nil, nil, &calendar.ConflictError{
				Path:    objPath,
				Etag:    conflictBody.Etag,
				Current: conflictBody.Current,
			}
		case http.StatusNotFound:
			return 0, nil, nil, fmt.Errorf("%w: %s", calendar.ErrNotFound, objPath)
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return 0, nil, nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pathQuery(path string) string {
	q := url.Values{}
	q.Set("path", path)
	return q.Encode()
}

func decodeTaskID(payload []byte) (string, error) {
	var res struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", err
	}
	if res.TaskID == "" {
		return "", fmt.Errorf("deferred write returned no task id")
	}
	return res.TaskID, nil
}

func correlationID() string {
	return fmt.Sprintf("cal_%d", time.Now().UnixNano())
}
