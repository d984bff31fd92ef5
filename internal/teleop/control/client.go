// Package control asks the server for driving rights over a vehicle.
package control

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop"
	"github.com/babelcloud/gbox/packages/teleop/internal/util"
	"github.com/pkg/errors"
)

// Requester performs the request-control call.
type Requester interface {
	RequestControl(ctx context.Context, vehicleID string) error
}

// Client calls the vehicle control endpoint of the teleop API.
type Client struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewClient returns a client for baseURL. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  util.GetLogger(),
	}
}

// RequestControl posts to /vehicles/<id>/control. The call is idempotent and safe to retry.
func (c *Client) RequestControl(ctx context.Context, vehicleID string) error {
	if vehicleID == "" {
		return &teleop.ControlRequestError{Err: errors.New("vehicle id is required")}
	}

	target, err := c.buildURL(vehicleID)
	if err != nil {
		return &teleop.ControlRequestError{VehicleID: vehicleID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return &teleop.ControlRequestError{VehicleID: vehicleID, Err: errors.Wrapf(err, "failed to create request from url: %s", target)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &teleop.ControlRequestError{VehicleID: vehicleID, Err: errors.Wrapf(err, "failed to request control: %s", target)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &teleop.ControlRequestError{
			VehicleID:  vehicleID,
			StatusCode: resp.StatusCode,
			Err:        errors.Errorf("request control api respond %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	c.logger.Debug("Control granted", "vehicle", vehicleID, "status", resp.StatusCode)
	return nil
}

func (c *Client) buildURL(vehicleID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse api url: %s", c.baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "vehicles", vehicleID, "control")
	return u.String(), nil
}
