// Package coopapi talks to the coop Telemetry & Control API: sensor
// readings, backend alerts, actuator commands and login.
package coopapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-resty/resty/v2"

	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

// Mode selects which readings endpoint FetchReadings polls.
type Mode string

const (
	ModeLatest       Mode = "latest"
	ModeThreeSensors Mode = "three-sensors"
)

const (
	pathLatest       = "/sensors/latest"
	pathThreeSensors = "/sensors/three-sensors"
	pathAlerts       = "/alerts"
	pathControl      = "/control"
	pathLogin        = "/auth/login"
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Path   string
	Status int
	Text   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %s", e.Path, e.Text)
}

// LoginError carries the backend's rejection message.
type LoginError struct {
	Status  int
	Message string
}

func (e *LoginError) Error() string {
	return e.Message
}

type Client struct {
	resty   *resty.Client
	session *Session
	mode    Mode
	now     func() time.Time
	logger  log.Logger
}

func New(baseURL string, mode Mode, session *Session, logger log.Logger) *Client {
	if session == nil {
		session = NewSession()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		resty:   resty.New().SetBaseURL(baseURL).SetHeader("Accept", "application/json"),
		session: session,
		mode:    mode,
		now:     time.Now,
		logger:  logger,
	}
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.resty.R().SetContext(ctx)
	if tok, err := c.session.Token(); err == nil {
		r.SetAuthToken(tok.AccessToken)
	}
	return r
}

func checkStatus(path string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &StatusError{Path: path, Status: resp.StatusCode(), Text: resp.Status()}
}

// FetchReadings polls the endpoint selected by the client mode.
func (c *Client) FetchReadings(ctx context.Context) ([]sensor.Reading, error) {
	if c.mode == ModeThreeSensors {
		return c.ThreeSensors(ctx)
	}
	return c.LatestReadings(ctx)
}

// FetchAlerts returns the backend alert list.
func (c *Client) FetchAlerts(ctx context.Context) ([]alert.Record, error) {
	return c.Alerts(ctx)
}

// LatestReadings fetches the newest-first reading history. The body may be a
// bare array or a {success, data} envelope.
func (c *Client) LatestReadings(ctx context.Context) ([]sensor.Reading, error) {
	resp, err := c.request(ctx).Get(pathLatest)
	if err != nil {
		return nil, fmt.Errorf("fetch readings: %w", err)
	}
	if err := checkStatus(pathLatest, resp); err != nil {
		return nil, err
	}

	var raw []any
	if err := c.decodeList(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}
	level.Debug(c.logger).Log("msg", "sensor readings received", "count", len(raw))
	return sensor.NormalizeAll(raw, c.now()), nil
}

type threeSensorsResult struct {
	Success  bool             `json:"success"`
	Capteurs []sensor.Capteur `json:"capteurs"`
	Message  string           `json:"message"`
}

// ThreeSensors fetches the fixed three-sensor deployment.
func (c *Client) ThreeSensors(ctx context.Context) ([]sensor.Reading, error) {
	resp, err := c.request(ctx).
		SetResult(&threeSensorsResult{}).
		Get(pathThreeSensors)
	if err != nil {
		return nil, fmt.Errorf("fetch three sensors: %w", err)
	}
	if err := checkStatus(pathThreeSensors, resp); err != nil {
		return nil, err
	}

	result := resp.Result().(*threeSensorsResult)
	if !result.Success {
		if result.Message != "" {
			return nil, fmt.Errorf("fetch three sensors: %s", result.Message)
		}
		return nil, errors.New("fetch three sensors: backend reported failure")
	}

	now := c.now()
	readings := make([]sensor.Reading, 0, len(result.Capteurs))
	for i, cp := range result.Capteurs {
		readings = append(readings, sensor.FromCapteur(cp, i, now))
	}
	level.Debug(c.logger).Log("msg", "three-sensor readings received", "count", len(readings))
	return readings, nil
}

type alertsEnvelope struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Message string            `json:"message"`
}

// Alerts fetches the backend alert list, accepting a bare array or a
// {success, data} envelope. Entries that cannot be decoded are dropped.
func (c *Client) Alerts(ctx context.Context) ([]alert.Record, error) {
	resp, err := c.request(ctx).Get(pathAlerts)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	if err := checkStatus(pathAlerts, resp); err != nil {
		return nil, err
	}

	body := resp.Body()
	var items []json.RawMessage
	if isArray(body) {
		if err := c.resty.JSONUnmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode alerts: %w", err)
		}
	} else {
		var env alertsEnvelope
		if err := c.resty.JSONUnmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode alerts: %w", err)
		}
		if !env.Success {
			if env.Message != "" {
				return nil, fmt.Errorf("fetch alerts: %s", env.Message)
			}
			return nil, errors.New("fetch alerts: backend reported failure")
		}
		items = env.Data
	}

	records := make([]alert.Record, 0, len(items))
	for i, item := range items {
		var r alert.Record
		if err := c.resty.JSONUnmarshal(item, &r); err != nil {
			level.Warn(c.logger).Log("msg", "skipping malformed backend alert", "index", i, "err", err)
			continue
		}
		records = append(records, r)
	}
	level.Debug(c.logger).Log("msg", "backend alerts received", "count", len(records))
	return records, nil
}

func (c *Client) decodeList(body []byte, out *[]any) error {
	if isArray(body) {
		return c.resty.JSONUnmarshal(body, out)
	}
	var env struct {
		Data []any `json:"data"`
	}
	if err := c.resty.JSONUnmarshal(body, &env); err != nil {
		return err
	}
	*out = env.Data
	return nil
}

func isArray(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) > 0 && body[0] == '['
}

type controlRequest struct {
	Device  string `json:"device"`
	Command string `json:"command"`
}

// Control sends one actuator command token for device.
func (c *Client) Control(ctx context.Context, device, command string) error {
	resp, err := c.request(ctx).
		SetBody(controlRequest{Device: device, Command: command}).
		Post(pathControl)
	if err != nil {
		return fmt.Errorf("send command %s: %w", command, err)
	}
	return checkStatus(pathControl, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResult struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Login exchanges credentials for a bearer token and stores it in the
// session. On any failure the session is left untouched.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(loginRequest{Email: email, Password: password}).
		SetResult(&loginResult{}).
		SetError(&loginResult{}).
		Post(pathLogin)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if resp.IsError() {
		msg := "invalid credentials"
		if e, ok := resp.Error().(*loginResult); ok && e.Message != "" {
			msg = e.Message
		}
		return &LoginError{Status: resp.StatusCode(), Message: msg}
	}

	result := resp.Result().(*loginResult)
	if result.Token == "" {
		return &LoginError{Status: resp.StatusCode(), Message: "login response carried no token"}
	}
	c.session.Set(result.Token)
	level.Info(c.logger).Log("msg", "session established", "email", email)
	return nil
}

// Logout ends the current session.
func (c *Client) Logout() {
	c.session.Clear()
	level.Info(c.logger).Log("msg", "session cleared")
}
