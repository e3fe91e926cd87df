package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// KubernetesSource resolves services from discovery/v1 EndpointSlices
// labelled with kubernetes.io/service-name.
type KubernetesSource struct {
	client    kubernetes.Interface
	namespace string
	portName  string
}

// NewKubernetesSource builds a clientset from the kubeconfig path, or from
// the in-cluster configuration when the path is empty.
func NewKubernetesSource(cfg config.KubernetesRegistryConfig) (*KubernetesSource, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewKubernetesSourceFromClient(clientset, cfg.Namespace, cfg.PortName), nil
}

// NewKubernetesSourceFromClient builds a source over an existing clientset.
func NewKubernetesSourceFromClient(client kubernetes.Interface, namespace, portName string) *KubernetesSource {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &KubernetesSource{client: client, namespace: namespace, portName: portName}
}

// ListInstances implements Source. The ready condition maps to health:
// true is healthy, false is unhealthy and unset is unknown.
func (s *KubernetesSource) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	slices, err := s.client.DiscoveryV1().EndpointSlices(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: discoveryv1.LabelServiceName + "=" + service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoint slices for %s/%s: %w", s.namespace, service, err)
	}

	var instances []Instance
	for i := range slices.Items {
		slice := &slices.Items[i]
		port, ok := s.selectPort(slice)
		if !ok {
			continue
		}

		for _, ep := range slice.Endpoints {
			health := endpointHealth(ep.Conditions)
			metadata := map[string]string{"slice": slice.Name}
			if ep.NodeName != nil {
				metadata["node"] = *ep.NodeName
			}
			if ep.Zone != nil {
				metadata["zone"] = *ep.Zone
			}
			for _, addr := range ep.Addresses {
				address := net.JoinHostPort(addr, strconv.Itoa(int(port)))
				instances = append(instances, Instance{
					ID:       address,
					Service:  service,
					Address:  address,
					Health:   health,
					Metadata: metadata,
				})
			}
		}
	}
	return instances, nil
}

func (s *KubernetesSource) selectPort(slice *discoveryv1.EndpointSlice) (int32, bool) {
	for _, p := range slice.Ports {
		if p.Port == nil {
			continue
		}
		if s.portName == "" || (p.Name != nil && *p.Name == s.portName) {
			return *p.Port, true
		}
	}
	return 0, false
}

func endpointHealth(c discoveryv1.EndpointConditions) Health {
	switch {
	case c.Ready == nil:
		return HealthUnknown
	case *c.Ready:
		return HealthHealthy
	default:
		return HealthUnhealthy
	}
}
