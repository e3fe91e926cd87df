// Package proxy forwards a matched request to one backend instance.
//
// The Forwarder is the last stage of the gateway pipeline. It owns the
// outbound HTTP transport and produces a buffered Response that later
// stages, such as the response cache, can inspect before it is written
// to the client.
//
// # Features
//
//   - Per-route deadline, detached from client cancellation
//   - Hop-by-hop header removal per RFC 7230
//   - X-Forwarded-For, X-Forwarded-Proto and X-Forwarded-Host
//   - X-Request-ID and W3C trace context propagation
//   - Bounded response bodies
//   - Structured errors mapped to gateway status codes
//
// # Usage
//
//	fwd := proxy.NewForwarder(cfg.Proxy, proxy.WithLogger(logger))
//	resp, err := fwd.Forward(ctx, instance, route, req, body)
//	failed := proxy.IsFailure(resp, err)
package proxy
