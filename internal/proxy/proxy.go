package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
	"github.com/vyrodovalexey/storegw/internal/util"
)

const tracerName = "storegw/proxy"

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response is a fully buffered backend response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Instance registry.Instance
	Duration time.Duration
}

// Forwarder sends requests to backend instances.
type Forwarder struct {
	client           *http.Client
	logger           observability.Logger
	defaultTimeout   time.Duration
	maxResponseBytes int64
	tracer           trace.Tracer
}

// Option is a functional option for configuring the forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger for the forwarder.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithTransport sets the transport for the forwarder.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.client.Transport = transport
	}
}

// WithTracerProvider sets the provider used for client spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Forwarder) {
		f.tracer = tp.Tracer(tracerName)
	}
}

// NewForwarder creates a forwarder with a pooled transport sized from cfg.
func NewForwarder(cfg config.ProxyConfig, opts ...Option) *Forwarder {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout.Duration(),
		ExpectContinueTimeout: time.Second,
	}

	f := &Forwarder{
		client: &http.Client{
			Transport: transport,
			// Redirects are returned to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:           observability.NopLogger(),
		defaultTimeout:   cfg.DefaultTimeout.Or(config.DefaultRouteTimeout),
		maxResponseBytes: cfg.MaxResponseBytes,
		tracer:           otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends req to inst on behalf of route and buffers the response.
//
// The call runs on a context detached from the client's cancellation and
// bounded by the route timeout, so a client that goes away does not abort
// a backend call whose outcome the breaker and the cache still record.
// body is the already-read request body.
//
// Backend 5xx responses are returned with a nil error; use IsFailure to
// decide breaker accounting.
func (f *Forwarder) Forward(
	ctx context.Context,
	inst registry.Instance,
	route *router.Route,
	req *http.Request,
	body []byte,
) (*Response, error) {
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ctx, span := f.tracer.Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("service", inst.Service),
			attribute.String("instance", inst.Address),
			attribute.String("route", route.Name),
		),
	)
	defer span.End()

	outReq, err := f.buildRequest(ctx, inst, route, req, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, util.NewBackendErrorWithCause(inst.Key(), "build request", err)
	}

	metrics := getProxyMetrics()
	start := time.Now()

	resp, err := f.client.Do(outReq)
	if err != nil {
		duration := time.Since(start)
		metrics.backendDuration.WithLabelValues(inst.Service).Observe(duration.Seconds())
		ferr := f.wrapError(ctx, inst, timeout, err)
		metrics.errorsTotal.WithLabelValues(inst.Service, classifyError(ferr)).Inc()
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
		f.logger.WithContext(ctx).Warn("backend call failed",
			observability.String("service", inst.Service),
			observability.String("instance", inst.Address),
			observability.Duration("duration", duration),
			observability.Error(err),
		)
		return nil, ferr
	}
	defer resp.Body.Close()

	respBody, err := f.readBody(resp.Body)
	duration := time.Since(start)
	metrics.backendDuration.WithLabelValues(inst.Service).Observe(duration.Seconds())
	if err != nil {
		ferr := f.wrapError(ctx, inst, timeout, err)
		metrics.errorsTotal.WithLabelValues(inst.Service, classifyError(ferr)).Inc()
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
		return nil, ferr
	}

	metrics.responses.WithLabelValues(inst.Service, statusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		metrics.errorsTotal.WithLabelValues(inst.Service, errorTypeServerError).Inc()
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)

	return &Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     respBody,
		Instance: inst,
		Duration: duration,
	}, nil
}

func (f *Forwarder) buildRequest(
	ctx context.Context,
	inst registry.Instance,
	route *router.Route,
	in *http.Request,
	body []byte,
) (*http.Request, error) {
	target, err := targetURL(inst.Address)
	if err != nil {
		return nil, err
	}

	target.Path = route.RewritePath(in.URL.Path)
	target.RawQuery = in.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)
	setForwardedHeaders(out.Header, in)

	if id := observability.RequestIDFromContext(ctx); id != "" {
		out.Header.Set(observability.RequestIDHeader, id)
	}
	observability.InjectTraceContext(ctx, out.Header)

	return out, nil
}

func (f *Forwarder) readBody(r io.Reader) ([]byte, error) {
	if f.maxResponseBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxResponseBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, f.maxResponseBytes)
	}
	return data, nil
}

func (f *Forwarder) wrapError(ctx context.Context, inst registry.Instance, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &util.TimeoutError{
			Operation: "call to " + inst.Key(),
			Duration:  timeout,
			Cause:     err,
		}
	}
	return util.NewBackendErrorWithCause(inst.Key(), "request failed", err)
}

// targetURL turns an instance address into a base URL. Bare host:port
// addresses use plain HTTP.
func targetURL(address string) (*url.URL, error) {
	raw := address
	if !strings.Contains(address, "://") {
		raw = "http://" + address
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidTarget, address, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, address)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// removeHopHeaders deletes hop-by-hop headers, including any named by the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(h http.Header, in *http.Request) {
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}

	if in.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}

	if in.Host != "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
}

// CloseIdleConnections closes idle backend connections.
func (f *Forwarder) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}
