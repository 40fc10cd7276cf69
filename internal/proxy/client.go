package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"settld-gateway/internal/gates/service"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
)

// GateClient is the proxy's view of the gate kernel. The local adapter calls
// the service in-process; the remote adapter speaks the HTTP API so the
// gateway can run as its own binary.
type GateClient interface {
	Create(ctx context.Context, idempotencyKey string, req service.CreateRequest) (service.CreateResponse, error)
	Quote(ctx context.Context, idempotencyKey string, req service.QuoteRequest) (service.QuoteResponse, error)
	Authorize(ctx context.Context, idempotencyKey string, req service.AuthorizeRequest) (service.AuthorizeResponse, error)
	Verify(ctx context.Context, idempotencyKey string, req service.VerifyRequest) (service.VerifyResponse, error)
}

// LocalClient serves the gateway from an in-process gate service.
type LocalClient struct {
	svc *service.Service
}

// NewLocalClient wraps svc.
func NewLocalClient(svc *service.Service) *LocalClient { return &LocalClient{svc: svc} }

func (c *LocalClient) Create(ctx context.Context, key string, req service.CreateRequest) (service.CreateResponse, error) {
	return c.svc.Create(ctx, key, req)
}

func (c *LocalClient) Quote(ctx context.Context, key string, req service.QuoteRequest) (service.QuoteResponse, error) {
	return c.svc.Quote(ctx, key, req)
}

func (c *LocalClient) Authorize(ctx context.Context, key string, req service.AuthorizeRequest) (service.AuthorizeResponse, error) {
	return c.svc.AuthorizePayment(ctx, key, req)
}

func (c *LocalClient) Verify(ctx context.Context, key string, req service.VerifyRequest) (service.VerifyResponse, error) {
	return c.svc.Verify(ctx, key, req)
}

// HTTPClient speaks the gate API over the wire.
type HTTPClient struct {
	http     *resty.Client
	tenantID string
}

// NewHTTPClient builds a remote gate client against baseURL.
func NewHTTPClient(baseURL, apiKey, tenantID string) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader(httputil.HeaderTenantID, tenantID).
		SetHeader(httputil.HeaderProtocol, "1.0")
	return &HTTPClient{http: client, tenantID: tenantID}
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, req, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(httputil.HeaderIdempotencyKey, idempotencyKey).
		SetBody(req).
		Post(path)
	if err != nil {
		return errors.ErrStoreUnavailable.WithMessage("gate API unreachable").Wrap(err)
	}
	if resp.IsError() {
		var envelope httputil.ErrorBody
		if decodeErr := json.Unmarshal(resp.Body(), &envelope); decodeErr == nil && envelope.Code != "" {
			return &errors.Error{
				Code:       envelope.Code,
				Message:    envelope.Message,
				HTTPStatus: resp.StatusCode(),
				Details:    envelope.Details,
			}
		}
		return errors.ErrInternal.WithMessage(fmt.Sprintf("gate API returned %d", resp.StatusCode()))
	}
	return json.Unmarshal(resp.Body(), out)
}

func (c *HTTPClient) Create(ctx context.Context, key string, req service.CreateRequest) (service.CreateResponse, error) {
	var out service.CreateResponse
	err := c.post(ctx, "/x402/gate/create", key, req, &out)
	return out, err
}

func (c *HTTPClient) Quote(ctx context.Context, key string, req service.QuoteRequest) (service.QuoteResponse, error) {
	var out service.QuoteResponse
	err := c.post(ctx, "/x402/gate/quote", key, req, &out)
	return out, err
}

func (c *HTTPClient) Authorize(ctx context.Context, key string, req service.AuthorizeRequest) (service.AuthorizeResponse, error) {
	var out service.AuthorizeResponse
	err := c.post(ctx, "/x402/gate/authorize-payment", key, req, &out)
	return out, err
}

func (c *HTTPClient) Verify(ctx context.Context, key string, req service.VerifyRequest) (service.VerifyResponse, error) {
	var out service.VerifyResponse
	err := c.post(ctx, "/x402/gate/verify", key, req, &out)
	return out, err
}
