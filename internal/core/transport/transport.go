// Package transport submits canonical WFS requests over the GET, POST and
// SOAP bindings and normalizes the responses.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/observability"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 20
)

var (
	ErrUnresolvedBinding = errors.New("binding must be resolved to GET, POST or SOAP")
	ErrTimeout           = errors.New("request timed out")
	ErrNotXML            = errors.New("response entity is not XML")
	ErrEmptyBody         = errors.New("SOAP body is empty")
)

// Error is a transport-level failure of one request.
type Error struct {
	Op       string
	Binding  ogc.ProtocolBinding
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s via %s to %s: %v", e.Op, e.Binding, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Response is a fully read HTTP response. Non-2xx responses are returned
// as-is so callers can inspect exception reports.
type Response struct {
	Status    int
	MediaType string
	Header    http.Header
	Body      []byte
}

// IsXML reports whether the media type subtype ends in "xml", e.g.
// text/xml, application/gml+xml or application/soap+xml.
func (r *Response) IsXML() bool {
	_, sub, ok := strings.Cut(r.MediaType, "/")
	return ok && strings.HasSuffix(sub, "xml")
}

// Document returns the effective response document, unwrapping a SOAP
// envelope.
func (r *Response) Document() (*xmltree.Element, error) {
	if !r.IsXML() {
		return nil, fmt.Errorf("%w: %q", ErrNotXML, r.MediaType)
	}
	return ExtractBody(r)
}

// ExtractBody parses the response entity. When the root is a SOAP 1.1 or 1.2
// envelope the first child of its Body is the effective document.
func ExtractBody(r *Response) (*xmltree.Element, error) {
	root, err := xmldoc.Parse(r.Body)
	if err != nil {
		return nil, err
	}
	if !ogc.IsSOAPEnvelope(root) {
		return root, nil
	}
	body := ogc.UnwrapSOAP(root)
	if body == nil {
		return nil, ErrEmptyBody
	}
	return body, nil
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	timeout  time.Duration
	startNow func() time.Time // for tests
}

func New(logger *slog.Logger, client *http.Client, timeout time.Duration) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{logger: logger, client: client, timeout: timeout, startNow: time.Now}
}

// Timeout is the per-request deadline applied by Submit.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Submit serializes req for binding b, sends it to endpoint and reads the
// whole response. req is not modified.
func (c *Client) Submit(ctx context.Context, req *xmldoc.Node, b ogc.ProtocolBinding, endpoint *url.URL) (*Response, error) {
	op := ""
	if req != nil {
		op = req.Name.Local
	}
	fail := func(err error) error {
		ep := ""
		if endpoint != nil {
			ep = endpoint.String()
		}
		return &Error{Op: op, Binding: b, Endpoint: ep, Err: err}
	}
	if !b.Concrete() {
		return nil, fail(ErrUnresolvedBinding)
	}
	if req == nil {
		return nil, fail(errors.New("nil request"))
	}
	if endpoint == nil || endpoint.Scheme == "" {
		return nil, fail(errors.New("no endpoint"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := c.build(ctx, req, b, endpoint)
	if err != nil {
		return nil, fail(err)
	}

	start := c.startNow()
	resp, err := c.client.Do(hreq)
	dur := time.Since(start)
	if err != nil {
		observability.ObserveRequest(op, b.String(), 0, dur.Seconds())
		if isTimeout(ctx, err) {
			return nil, fail(fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
		}
		return nil, fail(fmt.Errorf("do request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	observability.ObserveRequest(op, b.String(), resp.StatusCode, time.Since(start).Seconds())
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fail(fmt.Errorf("%w reading body", ErrTimeout))
		}
		return nil, fail(fmt.Errorf("read body: %w", err))
	}

	c.logger.Debug("wfs request done",
		"op", op,
		"binding", b.String(),
		"endpoint", hreq.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", dur.String())

	return &Response{
		Status:    resp.StatusCode,
		MediaType: mediaType(resp.Header.Get("Content-Type")),
		Header:    resp.Header,
		Body:      body,
	}, nil
}

func (c *Client) build(ctx context.Context, req *xmldoc.Node, b ogc.ProtocolBinding, endpoint *url.URL) (*http.Request, error) {
	u := *endpoint
	switch b {
	case ogc.GET:
		params, err := ogc.KVP(req)
		if err != nil {
			return nil, err
		}
		u.RawQuery = params.Encode()
		hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		hreq.Header.Set("Accept", ogc.MediaTypeXML)
		return hreq, nil
	case ogc.POST:
		return newPost(ctx, &u, xmldoc.Marshal(req), ogc.MediaTypeXML)
	case ogc.SOAP:
		env := ogc.WrapSOAP(req, ogc.SOAPVersion(req.Attr("", "version")))
		return newPost(ctx, &u, xmldoc.Marshal(env), ogc.MediaTypeSOAP)
	}
	return nil, ErrUnresolvedBinding
}

func newPost(ctx context.Context, u *url.URL, body []byte, contentType string) (*http.Request, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.Write(body)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", contentType)
	hreq.Header.Set("Accept", ogc.MediaTypeXML)
	return hreq, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// Fetch retrieves a resource by plain GET, e.g. an XML Schema document
// referenced by an import. Non-2xx statuses are errors.
func (c *Client) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Accept", ogc.MediaTypeXML)
	resp, err := c.client.Do(hreq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), ErrTimeout)
		}
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}
