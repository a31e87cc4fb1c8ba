package iqua

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Connection issues authenticated REST calls against the Iqua cloud API.
type Connection struct {
	client       *Helper
	ts           oauth2.TokenSource
	logger       Logger
	baseURL      string
	cache        time.Duration
	devicesCache *Cacheable[[]Device]
}

type Option func(*Connection)

func WithLogger(logger Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

func WithBaseURL(uri string) Option {
	return func(c *Connection) {
		c.baseURL = uri
	}
}

// NewConnection creates a new Iqua cloud connection. The token source is
// installed as an oauth2 transport so every request carries a valid access
// token.
func NewConnection(client *http.Client, ts oauth2.TokenSource, opts ...Option) (*Connection, error) {
	client.Transport = &oauth2.Transport{
		Source: ts,
		Base: &transport{
			client.Transport,
		},
	}

	conn := &Connection{
		client:  NewHelper(client),
		ts:      ts,
		baseURL: API_URL_BASE,
		cache:   CACHE_DURATION_DEVICES * time.Second,
	}
	for _, opt := range opts {
		opt(conn)
	}

	conn.devicesCache = ResettableCached(func() ([]Device, error) {
		var res devicesResponse
		if err := conn.getJSON(conn.baseURL+DEVICES_URL, &res); err != nil {
			return nil, fmt.Errorf("error getting devices: %w", err)
		}
		return res.Data, nil
	}, conn.cache)

	return conn, nil
}

func (c *Connection) debug(fmt string, arg ...any) {
	if c.logger != nil {
		c.logger.Printf(fmt, arg...)
	}
}

// TokenSource returns the token source backing this connection.
func (c *Connection) TokenSource() oauth2.TokenSource {
	return c.ts
}

// GetDevices returns all devices registered for the authenticated user.
func (c *Connection) GetDevices() ([]Device, error) {
	return c.devicesCache.Get()
}

// ResolveDeviceID maps a serial number to the internal device id. Both the
// softener serial and the network module DSN are accepted; the first device
// matching either wins.
func (c *Connection) ResolveDeviceID(serial string) (string, error) {
	devices, err := c.GetDevices()
	if err != nil {
		return "", err
	}

	for _, device := range devices {
		if s, ok := device.Properties[PROP_SERIAL_NUMBER].Value.Text(); ok && s == serial {
			return device.ID, nil
		}
		if device.DSN != "" && device.DSN == serial {
			return device.ID, nil
		}
	}

	return "", fmt.Errorf("%w for serial number %q", ErrDeviceNotFound, serial)
}

// GetDeviceDetail fetches the current raw properties and enriched data for
// a device. The payload is never cached, callers fuse it immediately.
func (c *Connection) GetDeviceDetail(deviceID string) (Device, error) {
	var res deviceDetailResponse
	uri := c.baseURL + fmt.Sprintf(DEVICE_DETAIL_URL, deviceID)
	if err := c.getJSON(uri, &res); err != nil {
		return Device{}, fmt.Errorf("error getting device detail: %w", err)
	}
	return res.Device, nil
}

// Command sends one device command and reports its outcome. Commands are
// not retried: a timeout after delivery may mean the command already
// applied.
func (c *Connection) Command(deviceID, function, action string) (CommandResult, error) {
	var res CommandResult
	b, _ := json.Marshal(commandRequest{Function: function, Action: action})

	uri := c.baseURL + fmt.Sprintf(COMMAND_URL, deviceID)
	req, _ := http.NewRequest("PUT", uri, bytes.NewReader(b))
	for k, v := range JSONEncoding {
		req.Header.Set(k, v)
	}

	if err := c.client.DoJSON(req, &res); err != nil {
		return res, fmt.Errorf("%w: %s %s: %s", ErrCommandFailed, function, action, err)
	}
	c.debug("command %s/%s accepted", function, action)
	return res, nil
}

// getJSON performs a GET and retries once after invalidating the access
// token when the server answers 401 despite the recorded expiry. Only safe
// for reads.
func (c *Connection) getJSON(uri string, res any) error {
	req, _ := http.NewRequest("GET", uri, nil)
	err := c.client.DoJSON(req, res)

	if isUnauthorized(err) {
		if inv, ok := c.ts.(interface{ Invalidate() }); ok {
			c.debug("request unauthorized. Invalidating token and retrying")
			inv.Invalidate()
			req, _ = http.NewRequest("GET", uri, nil)
			err = c.client.DoJSON(req, res)
		}
	}

	var se StatusError
	if errors.As(err, &se) && se.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrAuthFailed, se)
	}
	return err
}
