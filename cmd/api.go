package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/urfave/cli/v3"
)

// apiClient is the raw request surface of [services.APIService].
type apiClient interface {
	Get(ctx context.Context, path string) (*services.APIResponse, error)
	Post(ctx context.Context, path string, data []byte) (*services.APIResponse, error)
	Delete(ctx context.Context, path string) (*services.APIResponse, error)
}

var _ apiClient = (*services.APIService)(nil)

// remote returns a client for the server named by --server, or nil when the flag is unset.
func (r *Runner) remote(cmd *cli.Command) *services.APIService {
	if u := cmd.String("server"); u != "" {
		return services.NewAPIService(u, r.httpClient)
	}
	return nil
}

// serverAPI returns a client for the server address in the config.
func (r *Runner) serverAPI() *services.APIService {
	host := r.config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return services.NewAPIService("http://"+net.JoinHostPort(host, strconv.Itoa(r.config.Server.Port)), r.httpClient)
}

func (r *Runner) apiFor(cmd *cli.Command) *services.APIService {
	if api := r.remote(cmd); api != nil {
		return api
	}
	return r.serverAPI()
}

func send(ctx context.Context, api apiClient, method, path string, body []byte) (*services.APIResponse, error) {
	var (
		resp *services.APIResponse
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = api.Get(ctx, path)
	case http.MethodPost:
		resp, err = api.Post(ctx, path, body)
	case http.MethodDelete:
		resp, err = api.Delete(ctx, path)
	default:
		return nil, fmt.Errorf("%w: method %s", shared.ErrInvalidArgument, method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrAPIRequest, err)
	}
	return resp, nil
}

// responseError maps an error response of the server back onto the matching sentinel.
func responseError(resp *services.APIResponse) error {
	if resp.OK() {
		return nil
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body, &body)
	msg := cmp.Or(body.Message, body.Error, string(resp.Body), http.StatusText(resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", shared.ErrAuthRequired, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", shared.ErrInvalidInput, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", shared.ErrServiceUnavailable, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", shared.ErrAPIRequest, resp.StatusCode, msg)
	}
}

// APIGet makes a direct GET request to the server
func (r *Runner) APIGet(ctx context.Context, cmd *cli.Command) error {
	return r.apiRequest(ctx, cmd, http.MethodGet, nil)
}

// APIPost makes a direct POST request to the server
func (r *Runner) APIPost(ctx context.Context, cmd *cli.Command) error {
	data := cmd.String("data")
	if data == "" {
		data = "{}"
	}

	var jsonTest any
	if err := json.Unmarshal([]byte(data), &jsonTest); err != nil {
		return fmt.Errorf("%w: data is not valid JSON: %v", shared.ErrInvalidInput, err)
	}

	return r.apiRequest(ctx, cmd, http.MethodPost, []byte(data))
}

// APIDelete makes a direct DELETE request to the server
func (r *Runner) APIDelete(ctx context.Context, cmd *cli.Command) error {
	return r.apiRequest(ctx, cmd, http.MethodDelete, nil)
}

func (r *Runner) apiRequest(ctx context.Context, cmd *cli.Command, method string, body []byte) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: path", shared.ErrMissingArgument)
	}
	if path[0] != '/' {
		path = "/" + path
	}

	r.logger.Info("request", "method", method, "path", path)

	resp, err := send(ctx, r.apiFor(cmd), method, path, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: status %d, body: %s", shared.ErrAPIRequest, resp.StatusCode, string(resp.Body))
	}

	if resp.IsJSON {
		return r.writeJSON(resp.JSONData, true)
	}
	return r.writePlain("%s\n", resp.Body)
}
