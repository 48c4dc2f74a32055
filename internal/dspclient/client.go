// Package dspclient talks to the volume endpoint of a multiroom client's DSP:
// GET /volume and PUT /volume with a JSON body {"value": <dB>}.
package dspclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 2 * time.Second

// StatusError is a non-2xx reply.
type StatusError struct {
	Address string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dsp %s: http status %d", e.Address, e.Code)
}

type volumeBody struct {
	Value float64 `json:"value"`
}

// Client issues volume requests to client DSPs by address.
type Client struct {
	http    *http.Client
	port    int
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a client for DSP endpoints listening on port.
func New(port int, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		port:    port,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *Client) url(address string) string {
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(address, strconv.Itoa(c.port))
	}
	return "http://" + host + "/volume"
}

// GetVolume returns the DSP volume at address in dB.
func (c *Client) GetVolume(ctx context.Context, address string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(address), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dsp %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return 0, &StatusError{Address: address, Code: resp.StatusCode}
	}

	var body volumeBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return 0, fmt.Errorf("dsp %s: decode volume: %w", address, err)
	}
	return body.Value, nil
}

// SetVolume sets the DSP volume at address to db.
func (c *Client) SetVolume(ctx context.Context, address string, db float64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(volumeBody{Value: db})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(address), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dsp %s: %w", address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{Address: address, Code: resp.StatusCode}
	}
	c.logger.Debug("dsp volume set", "address", address, "db", db)
	return nil
}
