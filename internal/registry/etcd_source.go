package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// EtcdSource reads instances stored under <prefix>/<service>/<id> as JSON
// values and streams changes through etcd watches.
type EtcdSource struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	client  *clientv3.Client
}

// NewEtcdSource connects to etcd.
func NewEtcdSource(cfg config.EtcdRegistryConfig, logger *zap.Logger) (*EtcdSource, error) {
	dialTimeout := cfg.DialTimeout.Or(config.DefaultRegistryTimeout)

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	src := NewEtcdSourceFromKV(client, client, cfg.Prefix)
	src.client = client
	return src, nil
}

// NewEtcdSourceFromKV builds a source over existing KV and Watcher clients.
func NewEtcdSourceFromKV(kv clientv3.KV, watcher clientv3.Watcher, prefix string) *EtcdSource {
	if prefix == "" {
		prefix = config.DefaultEtcdPrefix
	}
	return &EtcdSource{
		kv:      kv,
		watcher: watcher,
		prefix:  strings.TrimRight(prefix, "/"),
	}
}

func (s *EtcdSource) servicePrefix(service string) string {
	return s.prefix + "/" + service + "/"
}

// ListInstances implements Source.
func (s *EtcdSource) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	keyPrefix := s.servicePrefix(service)
	resp, err := s.kv.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", keyPrefix, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeEtcdInstance(service, keyPrefix, string(kv.Key), kv.Value)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch implements Watcher. One etcd watch is opened per service and the
// events are merged into a single channel.
func (s *EtcdSource) Watch(ctx context.Context, services []string) (<-chan Event, error) {
	if s.watcher == nil {
		return nil, fmt.Errorf("etcd watcher not configured")
	}

	out := make(chan Event, 64)
	var wg sync.WaitGroup

	for _, svc := range services {
		keyPrefix := s.servicePrefix(svc)
		ch := s.watcher.Watch(ctx, keyPrefix, clientv3.WithPrefix())

		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			s.forward(ctx, service, keyPrefix, ch, out)
		}(svc)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (s *EtcdSource) forward(ctx context.Context, service, keyPrefix string, ch clientv3.WatchChan, out chan<- Event) {
	for resp := range ch {
		if resp.Err() != nil {
			return
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)

			var event Event
			switch ev.Type {
			case clientv3.EventTypePut:
				inst, err := decodeEtcdInstance(service, keyPrefix, key, ev.Kv.Value)
				if err != nil {
					continue
				}
				event = Event{Type: EventUpsert, Instance: inst}
			case clientv3.EventTypeDelete:
				event = Event{
					Type:     EventRemove,
					Instance: Instance{Service: service, ID: strings.TrimPrefix(key, keyPrefix)},
				}
			default:
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close releases the etcd client if the source created it.
func (s *EtcdSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func decodeEtcdInstance(service, keyPrefix, key string, value []byte) (Instance, error) {
	var inst Instance
	if err := json.Unmarshal(value, &inst); err != nil {
		return Instance{}, fmt.Errorf("etcd key %s: invalid instance: %w", key, err)
	}
	if inst.ID == "" {
		inst.ID = strings.TrimPrefix(key, keyPrefix)
	}
	return inst.normalize(service), nil
}
