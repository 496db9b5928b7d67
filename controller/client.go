package controller

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sourcepark/testpark/protocol"
)

// RunnerClient is the outbound side of the runner control API: the calls the
// controller makes against a runner's endpoint.
type RunnerClient interface {
	Heartbeat(ctx context.Context, endpoint string) (protocol.HeartbeatResponse, error)
	StartTest(ctx context.Context, endpoint string, req protocol.StartTestRequest) (protocol.RunActionResponse, error)
	RestartTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error)
	StopTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error)
	ResumeTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error)
	TestStatus(ctx context.Context, endpoint, runID string) (protocol.RunStatusResponse, error)
}

// HTTPRunnerClient talks to runner endpoints over HTTP with a bounded timeout
// and no automatic retries: a failed call surfaces immediately so the caller
// can funnel it into the ERROR-marking path.
type HTTPRunnerClient struct {
	client *resty.Client
}

func NewHTTPRunnerClient(timeout time.Duration) *HTTPRunnerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &HTTPRunnerClient{client: client}
}

func (c *HTTPRunnerClient) Heartbeat(ctx context.Context, endpoint string) (protocol.HeartbeatResponse, error) {
	var out protocol.HeartbeatResponse
	err := c.get(ctx, joinURL(endpoint, "/heartbeat"), &out)
	return out, err
}

func (c *HTTPRunnerClient) StartTest(ctx context.Context, endpoint string, req protocol.StartTestRequest) (protocol.RunActionResponse, error) {
	var out protocol.RunActionResponse
	var body runnerErrorBody
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&body).
		ForceContentType("application/json").
		Post(joinURL(endpoint, "/start-test"))
	if err != nil {
		return protocol.RunActionResponse{}, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.IsError() {
		return protocol.RunActionResponse{}, body.toError(resp.StatusCode())
	}
	return out, nil
}

func (c *HTTPRunnerClient) RestartTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error) {
	return c.runAction(ctx, endpoint, "/restart-test/", runID)
}

func (c *HTTPRunnerClient) StopTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error) {
	return c.runAction(ctx, endpoint, "/stop-test/", runID)
}

func (c *HTTPRunnerClient) ResumeTest(ctx context.Context, endpoint, runID string) (protocol.RunActionResponse, error) {
	return c.runAction(ctx, endpoint, "/resume-test/", runID)
}

func (c *HTTPRunnerClient) TestStatus(ctx context.Context, endpoint, runID string) (protocol.RunStatusResponse, error) {
	var out protocol.RunStatusResponse
	err := c.get(ctx, joinURL(endpoint, "/test-status/"+url.PathEscape(runID)), &out)
	return out, err
}

func (c *HTTPRunnerClient) runAction(ctx context.Context, endpoint, path, runID string) (protocol.RunActionResponse, error) {
	var out protocol.RunActionResponse
	err := c.get(ctx, joinURL(endpoint, path+url.PathEscape(runID)), &out)
	return out, err
}

func (c *HTTPRunnerClient) get(ctx context.Context, fullURL string, out any) error {
	var body runnerErrorBody
	// Runners are not guaranteed to set a JSON Content-Type; decode the body
	// as JSON regardless.
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&body).
		ForceContentType("application/json").
		Get(fullURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.IsError() {
		return body.toError(resp.StatusCode())
	}
	return nil
}

// runnerErrorBody captures the error payload a runner attaches to non-2xx
// responses.
type runnerErrorBody struct {
	ErrorCode string `json:"errorcode"`
	ErrorText string `json:"errortext"`
	Message   string `json:"message"`
}

func (b runnerErrorBody) toError(statusCode int) error {
	return &RunnerCallError{
		StatusCode: statusCode,
		Code:       b.ErrorCode,
		Text:       b.ErrorText,
		Message:    b.Message,
	}
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
