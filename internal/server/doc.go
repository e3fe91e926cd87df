// Package server runs the gateway's two HTTP listeners: the public listener
// that serves proxied traffic through a gin engine, and the admin listener
// that serves health probes, Prometheus metrics and runtime introspection.
package server
