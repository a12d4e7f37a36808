package flume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danevik/flume-monitor/tools/timeparser"
)

const (
	// DefaultBaseURL is the Flume API root
	DefaultBaseURL = "https://api.flumetech.com"
	// DefaultAuthURL is the Flume OAuth token endpoint
	DefaultAuthURL = DefaultBaseURL + "/oauth/token"

	defaultRequestTimeout = 30 * time.Second
)

// Config holds client construction parameters. Zero-value endpoints and
// timeout fall back to the Flume production defaults.
type Config struct {
	Credentials Credentials
	BaseURL     string
	AuthURL     string
	Timeout     time.Duration
}

// Client issues authenticated requests against the Flume API. A single
// client shares one session across any number of concurrent callers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   *SessionManager
	logger     *zap.Logger
}

// NewClient creates a Flume API client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		sessions:   NewSessionManager(cfg.Credentials, authURL, httpClient, logger),
		logger:     logger,
	}
}

// Sessions exposes the session manager, mainly for explicit Connect-style
// warmup at startup.
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

// userID returns the authenticated subject id, authenticating first if needed
func (c *Client) userID(ctx context.Context) (int64, error) {
	sess, err := c.sessions.Session()
	if errors.Is(err, ErrNotConnected) {
		sess, err = c.sessions.Refresh(ctx)
	}
	if err != nil {
		return 0, err
	}
	return sess.UserID, nil
}

// do executes one authenticated request. On a 401 it forces exactly one
// session refresh and replays the identical request; a second 401 or any
// other non-2xx status surfaces as an APIError carrying status and body.
// Transport failures surface as APIError without retry; backoff for those
// is the monitor loop's job.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	sess, err := c.sessions.Session()
	if errors.Is(err, ErrNotConnected) {
		sess, err = c.sessions.Refresh(ctx)
	}
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	status, respBody, err := c.attempt(ctx, method, path, query, payload, sess.AccessToken)
	if err != nil {
		return nil, &APIError{Err: err}
	}

	if status == http.StatusUnauthorized {
		c.logger.Info("access token rejected, refreshing session",
			zap.String("method", method), zap.String("path", path))
		sess, err = c.sessions.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		status, respBody, err = c.attempt(ctx, method, path, query, payload, sess.AccessToken)
		if err != nil {
			return nil, &APIError{Err: err}
		}
	}

	if status < 200 || status > 299 {
		c.logger.Warn("api request failed",
			zap.String("method", method), zap.String("path", path), zap.Int("status", status))
		return nil, &APIError{StatusCode: status, Body: string(respBody)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed response body: %w", err)}
	}
	return envelope.Data, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (int, []byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// Devices lists devices associated with the authenticated user
func (c *Client) Devices(ctx context.Context, opts DeviceListOptions) ([]Device, error) {
	v := opts.values()
	setBool(v, "location", opts.IncludeLocation)
	setBool(v, "user", opts.IncludeUser)
	setBool(v, "list_shared", opts.ListShared)

	data, err := c.do(ctx, http.MethodGet, "/me/devices", v, nil)
	if err != nil {
		return nil, err
	}

	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed device list: %w", err)}
	}
	return devices, nil
}

// Device fetches a single device by id
func (c *Client) Device(ctx context.Context, deviceID string, opts DeviceOptions) (Device, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return Device{}, err
	}

	v := url.Values{}
	setBool(v, "location", opts.IncludeLocation)
	setBool(v, "user", opts.IncludeUser)

	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/devices/%s", uid, deviceID), v, nil)
	if err != nil {
		return Device{}, err
	}

	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return Device{}, &APIError{Err: fmt.Errorf("malformed device payload: %w", err)}
	}
	if len(devices) == 0 {
		return Device{}, &APIError{Err: fmt.Errorf("device %s not found in response", deviceID)}
	}
	return devices[0], nil
}

// Locations lists locations associated with the authenticated user
func (c *Client) Locations(ctx context.Context, opts LocationListOptions) ([]Location, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	v := opts.values()
	setBool(v, "list_shared", opts.ListShared)

	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/locations", uid), v, nil)
	if err != nil {
		return nil, err
	}

	var locations []Location
	if err := json.Unmarshal(data, &locations); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed location list: %w", err)}
	}
	return locations, nil
}

// Location fetches a single location by id
func (c *Client) Location(ctx context.Context, locationID int) (Location, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return Location{}, err
	}

	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/locations/%d", uid, locationID), nil, nil)
	if err != nil {
		return Location{}, err
	}

	var locations []Location
	if err := json.Unmarshal(data, &locations); err != nil {
		return Location{}, &APIError{Err: fmt.Errorf("malformed location payload: %w", err)}
	}
	if len(locations) == 0 {
		return Location{}, &APIError{Err: fmt.Errorf("location %d not found in response", locationID)}
	}
	return locations[0], nil
}

// QueryUsage submits a batch of usage queries for a device. The response
// preserves query order: one reading slice per submitted query.
func (c *Client) QueryUsage(ctx context.Context, deviceID string, queries []UsageQuery) ([][]UsageReading, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string][]UsageQuery{"queries": queries}
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%d/devices/%s/queries", uid, deviceID), nil, body)
	if err != nil {
		return nil, err
	}

	var batches [][]UsageReading
	if err := json.Unmarshal(data, &batches); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed usage query response: %w", err)}
	}
	return batches, nil
}

// QueryUsageSimple runs a single usage query for one bucket size and
// returns its readings directly.
func (c *Client) QueryUsageSimple(ctx context.Context, deviceID, bucket, since, until, operation, units string) ([]UsageReading, error) {
	if operation == "" {
		operation = "SUM"
	}
	if units == "" {
		units = "GALLONS"
	}

	query := UsageQuery{
		RequestID:     uuid.NewString(),
		Bucket:        bucket,
		SinceDatetime: since,
		UntilDatetime: until,
		Operation:     operation,
		Units:         units,
	}

	batches, err := c.QueryUsage(ctx, deviceID, []UsageQuery{query})
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return batches[0], nil
}

// CurrentFlow fetches the live flow reading for a device
func (c *Client) CurrentFlow(ctx context.Context, deviceID string) (FlowReading, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/me/devices/%s/query/active", deviceID), nil, nil)
	if err != nil {
		return FlowReading{}, err
	}

	var payloads []flowPayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return FlowReading{}, &APIError{Err: fmt.Errorf("malformed current flow payload: %w", err)}
	}
	if len(payloads) == 0 {
		return FlowReading{}, &APIError{Err: errors.New("no data returned from current flow query")}
	}

	ts, err := timeparser.ParseFlumeTimestamp(payloads[0].Datetime)
	if err != nil {
		return FlowReading{}, &APIError{Err: fmt.Errorf("current flow reading: %w", err)}
	}

	return FlowReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		GPM:       payloads[0].GPM,
		Active:    payloads[0].Active,
	}, nil
}

// UsageAlerts lists triggered usage alerts for the authenticated user
func (c *Client) UsageAlerts(ctx context.Context, opts AlertListOptions) ([]UsageAlert, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	if opts.SortField == "" {
		opts.SortField = "triggered_datetime"
	}
	v := opts.values()
	if opts.DeviceID != "" {
		v.Set("device_id", opts.DeviceID)
	}

	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/usage-alerts", uid), v, nil)
	if err != nil {
		return nil, err
	}

	var alerts []UsageAlert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed usage alert list: %w", err)}
	}
	return alerts, nil
}

// AlertRules lists usage-alert rules configured on a device
func (c *Client) AlertRules(ctx context.Context, deviceID string, opts ListOptions) ([]UsageAlertRule, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/users/%d/devices/%s/rules/usage-alerts", uid, deviceID), opts.values(), nil)
	if err != nil {
		return nil, err
	}

	var rules []UsageAlertRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, &APIError{Err: fmt.Errorf("malformed alert rule list: %w", err)}
	}
	return rules, nil
}

// AlertRule fetches a single usage-alert rule by id
func (c *Client) AlertRule(ctx context.Context, deviceID, ruleID string) (UsageAlertRule, error) {
	uid, err := c.userID(ctx)
	if err != nil {
		return UsageAlertRule{}, err
	}

	data, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/users/%d/devices/%s/rules/usage-alerts/%s", uid, deviceID, ruleID), nil, nil)
	if err != nil {
		return UsageAlertRule{}, err
	}

	var rules []UsageAlertRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return UsageAlertRule{}, &APIError{Err: fmt.Errorf("malformed alert rule payload: %w", err)}
	}
	if len(rules) == 0 {
		return UsageAlertRule{}, &APIError{Err: fmt.Errorf("alert rule %s not found in response", ruleID)}
	}
	return rules[0], nil
}
