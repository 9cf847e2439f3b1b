package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/presencewatch/presence-go/internal/api"
	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
)

const serverTimeout = 10 * time.Second

// serverClient applies identity changes through a running server so the
// server's cache is invalidated together with the write.
type serverClient struct {
	base string
	http *http.Client
}

func newServerClient(base string) *serverClient {
	return &serverClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: serverTimeout},
	}
}

// defaultServerURL points at the API of a server started with settings,
// using loopback when it listens on all interfaces.
func defaultServerURL(settings *conf.Settings) string {
	listen := settings.WebServer.Listen
	if listen == "" {
		listen = api.DefaultListen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (c *serverClient) create(ctx context.Context, rec identity.Record) (identity.Record, error) {
	body, err := json.Marshal(api.UserRequest{
		Label:      rec.Label,
		Username:   rec.Username,
		ExternalID: rec.ExternalID,
	})
	if err != nil {
		return identity.Record{}, err
	}

	var created identity.Record
	if err := c.do(ctx, http.MethodPost, "/users", body, http.StatusCreated, &created); err != nil {
		return identity.Record{}, err
	}
	return created, nil
}

func (c *serverClient) remove(ctx context.Context, label string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(label), nil, http.StatusNoContent, nil)
}

func (c *serverClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(err).
			Component("identity-cli").
			Category(errors.CategoryNetwork).
			Context("server", c.base).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		return errors.Newf("server returned %d: %s", resp.StatusCode, msg).
			Component("identity-cli").
			Category(categoryForStatus(resp.StatusCode)).
			Context("server", c.base).
			Build()
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding server response: %w", err)
	}
	return nil
}

func categoryForStatus(code int) errors.ErrorCategory {
	switch code {
	case http.StatusBadRequest:
		return errors.CategoryValidation
	case http.StatusNotFound:
		return errors.CategoryNotFound
	case http.StatusConflict:
		return errors.CategoryConflict
	default:
		return errors.CategoryIdentityStore
	}
}

// serverUnreachable reports whether err means nothing is listening at the
// server address, as opposed to the server rejecting the change.
func serverUnreachable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
