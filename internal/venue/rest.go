package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

// SignFunc adds venue-specific authentication to an outgoing request. query
// holds the request's query parameters and body the raw JSON payload; the
// function may mutate headers and the URL's RawQuery.
type SignFunc func(req *http.Request, query url.Values, body []byte) error

// RESTClient is the HTTP transport shared by all venue connectors. It
// classifies transport and status failures into the engine's error taxonomy
// so the retry wrapper can decide what to do.
type RESTClient struct {
	Exchange   string
	BaseURL    string
	Sign       SignFunc // nil for public endpoints only
	HTTPClient *http.Client
}

// NewRESTClient creates a RESTClient with a 15s timeout.
func NewRESTClient(exchange, baseURL string, sign SignFunc) *RESTClient {
	return &RESTClient{
		Exchange: exchange,
		BaseURL:  baseURL,
		Sign:     sign,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Get performs a GET request and decodes the JSON response into out.
func (c *RESTClient) Get(ctx context.Context, path string, query url.Values, signed bool, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, signed, out)
}

// Post performs a POST request with a JSON body and decodes the response.
func (c *RESTClient) Post(ctx context.Context, path string, query url.Values, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, query, body, true, out)
}

// Delete performs a DELETE request.
func (c *RESTClient) Delete(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, true, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, reqBody any, signed bool, out any) error {
	var rawBody []byte
	var bodyReader io.Reader
	if reqBody != nil {
		var err error
		rawBody, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", c.Exchange, err)
		}
		bodyReader = bytes.NewReader(rawBody)
	}

	fullURL := c.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.Exchange, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if signed && c.Sign != nil {
		if err := c.Sign(req, query, rawBody); err != nil {
			return fmt.Errorf("%s: sign request: %w", c.Exchange, err)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &domain.ConnectionError{Exchange: c.Exchange, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.ConnectionError{Exchange: c.Exchange, Err: err}
	}

	if err := c.checkStatus(resp, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.Exchange, err)
		}
	}
	return nil
}

// checkStatus maps non-2xx responses into the typed error taxonomy.
func (c *RESTClient) checkStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	var apiErr struct {
		Code    json.Number `json:"code"`
		Msg     string      `json:"msg"`
		Message string      `json:"message"`
		RetCode json.Number `json:"retCode"`
		RetMsg  string      `json:"retMsg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	msg := apiErr.Msg
	if msg == "" {
		msg = apiErr.Message
	}
	if msg == "" {
		msg = apiErr.RetMsg
	}
	errCode := apiErr.Code.String()
	if errCode == "" {
		errCode = apiErr.RetCode.String()
	}
	if errCode == "" {
		errCode = fmt.Sprintf("http_%d", code)
	}

	switch {
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Exchange:   c.Exchange,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	case code >= 500:
		return &domain.ConnectionError{
			Exchange: c.Exchange,
			Err:      fmt.Errorf("HTTP %d: %s", code, msg),
		}
	default:
		return &domain.APIError{Exchange: c.Exchange, Code: errCode, Message: msg}
	}
}
