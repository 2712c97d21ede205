package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

const defaultClientTimeout = 15 * time.Second

// Client calls the coordinator HTTP surface. Error replies come back as
// *models.Error so callers can use errors.Is against the models sentinels.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the coordinator at baseURL. hc may be nil.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultClientTimeout}
	}

	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: hc,
	}
}

// PushURL is the websocket endpoint for notify.ClientOptions.URL
func (c *Client) PushURL() (string, error) {
	u, err := url.Parse(c.base + "/api/ws")
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	return u.String(), nil
}

func (c *Client) Register(ctx context.Context, code models.DeviceCode, name string,
	typ models.DeviceType, endpoint string) (*DeviceResponse, error) {
	var out DeviceResponse

	err := c.do(ctx, http.MethodPost, "/api/devices/register", registerRequest{
		DeviceCode: string(code),
		Name:       name,
		Type:       typ,
		Endpoint:   endpoint,
	}, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) Device(ctx context.Context, code models.DeviceCode) (*DeviceResponse, error) {
	var out DeviceResponse
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(string(code)), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) Heartbeat(ctx context.Context, code models.DeviceCode, endpoint string) error {
	return c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(string(code))+"/heartbeat",
		heartbeatRequest{Endpoint: endpoint}, nil)
}

func (c *Client) Offline(ctx context.Context, code models.DeviceCode) error {
	return c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(string(code))+"/offline", nil, nil)
}

func (c *Client) Claim(ctx context.Context, code models.DeviceCode, ownerID string) (*DeviceResponse, error) {
	var out DeviceResponse

	err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(string(code))+"/claim",
		claimRequest{OwnerID: ownerID}, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Request opens a connection request against target
func (c *Client) Request(ctx context.Context, target, requesterID, requesterName string) (*RequestResponse, error) {
	var out RequestResponse

	err := c.do(ctx, http.MethodPost, "/api/request", connectionRequestBody{
		TargetCode:    target,
		RequesterID:   requesterID,
		RequesterName: requesterName,
	}, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Pending returns the open request for code, or nil
func (c *Client) Pending(ctx context.Context, code models.DeviceCode) (*models.ConnectionRequest, error) {
	var out *models.ConnectionRequest
	if err := c.do(ctx, http.MethodGet, "/api/pending/"+url.PathEscape(string(code)), nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Respond answers a pending request on behalf of actorID
func (c *Client) Respond(ctx context.Context, requestID, actorID string, accepted bool,
	endpoint string) (*RequestResponse, error) {
	var out RequestResponse

	err := c.do(ctx, http.MethodPost, "/api/response", responseBody{
		RequestID: requestID,
		Accepted:  accepted,
		ActorID:   actorID,
		Endpoint:  endpoint,
	}, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) Get(ctx context.Context, requestID string) (*models.ConnectionRequest, error) {
	var out models.ConnectionRequest
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(requestID), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) Connected(ctx context.Context, requestID, actorID string) (*RequestResponse, error) {
	return c.transition(ctx, requestID, "connect", transitionBody{ActorID: actorID})
}

func (c *Client) End(ctx context.Context, requestID, actorID, reason string) (*RequestResponse, error) {
	return c.transition(ctx, requestID, "end", transitionBody{ActorID: actorID, Reason: reason})
}

func (c *Client) transition(ctx context.Context, requestID, action string, body transitionBody) (*RequestResponse, error) {
	var out RequestResponse

	err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/"+action, body, &out)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}

	return nil
}

// decodeError rebuilds the typed error from an error body. The kind comes
// from the status code.
func decodeError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if body.Error == "" {
		return fmt.Errorf("coordinator: %s", resp.Status)
	}

	return models.NewError(kindForStatus(resp.StatusCode), body.Error, body.ErrorMessage)
}

func kindForStatus(status int) models.ErrorKind {
	switch status {
	case http.StatusNotFound:
		return models.KindNotFound
	case http.StatusConflict:
		return models.KindConflict
	case http.StatusForbidden:
		return models.KindUnauthorized
	case http.StatusServiceUnavailable:
		return models.KindUnavailable
	case http.StatusRequestTimeout:
		return models.KindTimeout
	case http.StatusBadRequest:
		return models.KindInvalid
	default:
		return models.KindTransientInfra
	}
}
