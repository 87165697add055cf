package notify

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Push is one message for the external push gateway.
type Push struct {
	DeviceToken string                 `json:"device_token"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Gateway sends a push to one device.
type Gateway interface {
	Send(ctx context.Context, p Push) error
}

// HTTPGateway posts pushes as JSON to a gateway endpoint.
type HTTPGateway struct {
	client  *fasthttp.Client
	url     string
	apiKey  string
	timeout time.Duration
}

func NewHTTPGateway(url, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		client: &fasthttp.Client{
			Name:                "toto-hub",
			MaxIdleConnDuration: time.Minute,
		},
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

func (g *HTTPGateway) Send(ctx context.Context, p Push) error {
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(p)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if g.apiKey != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+g.apiKey)
	}
	req.SetBodyRaw(body)

	timeout := g.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	if err := g.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("push gateway answered %d", code)
	}
	return nil
}

// LogGateway only logs pushes. It is used when no gateway url is configured.
type LogGateway struct{}

func (LogGateway) Send(_ context.Context, p Push) error {
	zap.S().Infow("push",
		"device", p.DeviceToken,
		"title", p.Title,
	)
	return nil
}
