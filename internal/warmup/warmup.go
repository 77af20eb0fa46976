// Package warmup pre-heats the voice-bot pods before a campaign dials.
// Cold bot pods miss the first seconds of a call; a warmup POST per pod
// gets the model loaded before the provider connects any audio.
package warmup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicelane/voicelane/pkg/logging"
)

// ErrAllPodsFailed means not a single pod answered the warmup; starting
// the campaign would connect callers to dead air.
var ErrAllPodsFailed = errors.New("warmup: all pods failed")

type Config struct {
	// Timeout bounds one warmup attempt.
	Timeout time.Duration
	// Retries is attempts per pod.
	Retries int
	// BackoffBase and BackoffCap shape the inter-attempt wait.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client issues warmup requests against the bot's HTTP surface.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Report summarizes one warmup round.
type Report struct {
	SessionUUID string `json:"session_uuid"`
	Pods        int    `json:"pods"`
	Succeeded   int    `json:"succeeded"`
}

// Warm pings pods bot pods in parallel, one session per round. The round
// succeeds when at least one pod does; per-pod failures are attempts,
// not fatal errors.
func (c *Client) Warm(ctx context.Context, botWSURL, agentID string, pods int) (Report, error) {
	if pods <= 0 {
		pods = 1
	}
	base, err := HTTPBase(botWSURL)
	if err != nil {
		return Report{}, err
	}
	sessionUUID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/warmup/%s", base, sessionUUID)

	var wg sync.WaitGroup
	results := make(chan error, pods)
	for i := 0; i < pods; i++ {
		wg.Add(1)
		go func(pod int) {
			defer wg.Done()
			results <- c.warmPod(ctx, endpoint, agentID, pod)
		}(i)
	}
	wg.Wait()
	close(results)

	report := Report{SessionUUID: sessionUUID, Pods: pods}
	for err := range results {
		if err == nil {
			report.Succeeded++
		}
	}
	c.logger.Info("warmup: round finished",
		"session_uuid", sessionUUID,
		"pods", report.Pods,
		"succeeded", report.Succeeded)

	if report.Succeeded == 0 {
		return report, ErrAllPodsFailed
	}
	return report, nil
}

func (c *Client) warmPod(ctx context.Context, endpoint, agentID string, pod int) error {
	body, _ := json.Marshal(map[string]string{"agent_id": agentID})

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.BackoffBase << (attempt - 1)
			if wait > c.cfg.BackoffCap {
				wait = c.cfg.BackoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("warmup: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("warmup: pod %d answered %d", pod, resp.StatusCode)
	}
	c.logger.Debug("warmup: pod failed", "pod", pod, "error", lastErr)
	return lastErr
}

// ProbeWebSocket dials the bot endpoint and hangs up immediately. A
// create-time sanity check; failures warn, they never block a campaign.
func (c *Client) ProbeWebSocket(ctx context.Context, wsURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("warmup: probe %s: %w", wsURL, err)
	}
	return conn.Close()
}

// HTTPBase converts the bot's WebSocket URL into the HTTP origin its
// warmup endpoint lives on.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("warmup: parse bot url %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return "", fmt.Errorf("warmup: unsupported bot url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("warmup: bot url %q has no host", wsURL)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String(), nil
}

// AssistantID extracts the terminal path component of the bot WS URL,
// e.g. wss://host/chat/v2/{assistantID}.
func AssistantID(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	path := u.Path
	for len(path) > 0 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
