package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
)

// FileSource reads instances from a YAML document of the form
//
//	services:
//	  order-service:
//	    - id: a
//	      address: 10.0.0.1:8080
//	      health: healthy
//
// and emits EventResync whenever the file changes.
type FileSource struct {
	path   string
	logger observability.Logger
}

type fileDocument struct {
	Services map[string][]Instance `yaml:"services"`
}

// NewFileSource creates a file registry source.
func NewFileSource(path string, logger observability.Logger) *FileSource {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &FileSource{path: path, logger: logger}
}

// ListInstances implements Source. The file is read on every call.
func (s *FileSource) ListInstances(_ context.Context, service string) ([]Instance, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	listed := doc.Services[service]
	instances := make([]Instance, 0, len(listed))
	for _, inst := range listed {
		instances = append(instances, inst.normalize(service))
	}
	return instances, nil
}

// Watch implements Watcher with a debounced file watcher.
func (s *FileSource) Watch(ctx context.Context, _ []string) (<-chan Event, error) {
	out := make(chan Event, 1)

	w, err := config.NewWatcher(s.path, func(string) {
		// A pending resync already covers this change.
		select {
		case out <- Event{Type: EventResync}:
		default:
		}
	}, config.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = w.Stop()
		close(out)
	}()

	return out, nil
}
