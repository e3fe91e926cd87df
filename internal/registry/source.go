package registry

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
)

// Source pulls the authoritative instance list of a service.
type Source interface {
	ListInstances(ctx context.Context, service string) ([]Instance, error)
}

// EventType is the kind of a pushed registry change.
type EventType int

const (
	// EventUpsert adds an instance or replaces it by ID.
	EventUpsert EventType = iota
	// EventRemove removes an instance by ID.
	EventRemove
	// EventResync asks the client to pull every service again.
	EventResync
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventUpsert:
		return "upsert"
	case EventRemove:
		return "remove"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event is a change pushed by a Watcher. Remove events only need
// Instance.Service and Instance.ID.
type Event struct {
	Type     EventType
	Instance Instance
}

// Watcher is implemented by sources that can push changes. The returned
// channel is closed when ctx is done or the watch fails.
type Watcher interface {
	Watch(ctx context.Context, services []string) (<-chan Event, error)
}

// NewSource builds the source selected by cfg.Source. Sources holding
// connections implement io.Closer.
func NewSource(cfg config.RegistryConfig, logger observability.Logger) (Source, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		if cfg.HTTP == nil {
			return nil, fmt.Errorf("registry source %q requires http settings", cfg.Source)
		}
		return NewHTTPSource(cfg.HTTP.URL, cfg.HTTP.Timeout.Duration()), nil
	case config.SourceEtcd:
		if cfg.Etcd == nil || len(cfg.Etcd.Endpoints) == 0 {
			return nil, fmt.Errorf("registry source %q requires etcd endpoints", cfg.Source)
		}
		src, err := NewEtcdSource(*cfg.Etcd, logger.Zap())
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceKubernetes:
		if cfg.Kubernetes == nil {
			return nil, fmt.Errorf("registry source %q requires kubernetes settings", cfg.Source)
		}
		src, err := NewKubernetesSource(*cfg.Kubernetes)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceFile:
		if cfg.File == nil {
			return nil, fmt.Errorf("registry source %q requires file settings", cfg.Source)
		}
		return NewFileSource(cfg.File.Path, logger), nil
	default:
		return nil, fmt.Errorf("unsupported registry source %q", cfg.Source)
	}
}
