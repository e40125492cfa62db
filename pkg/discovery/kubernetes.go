// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubeDiscovery implements the Discovery interface using the Kubernetes API.
type KubeDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	portName  string
	self      string
}

// NewKubeDiscovery creates a new Kubernetes discovery client.
// It attempts to configure itself from within a pod using a service account.
func NewKubeDiscovery(namespace, service, portName string) (*KubeDiscovery, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("could not get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}

	hostname, _ := os.Hostname()
	return NewKubeDiscoveryWithClient(clientset, namespace, service, portName, hostname), nil
}

// NewKubeDiscoveryWithClient creates a discovery client on an existing
// clientset. Endpoints whose hostname equals self are skipped.
func NewKubeDiscoveryWithClient(clientset kubernetes.Interface, namespace, service, portName, self string) *KubeDiscovery {
	return &KubeDiscovery{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		portName:  portName,
		self:      self,
	}
}

// DiscoverPeers lists the ready addresses behind the service, skipping
// this broker and subsets that do not expose the MQTT port.
func (k *KubeDiscovery) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	ep, err := k.clientset.CoreV1().Endpoints(k.namespace).Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("endpoints %s/%s: %w", k.namespace, k.service, err)
	}

	var peers []Peer
	for _, subset := range ep.Subsets {
		port := k.mqttPort(subset)
		if port == 0 {
			continue
		}
		for _, addr := range subset.Addresses {
			if name := podName(addr); name != k.self {
				peers = append(peers, Peer{Name: name, Host: addr.IP, Port: int(port)})
			}
		}
	}
	return peers, nil
}

func (k *KubeDiscovery) mqttPort(subset corev1.EndpointSubset) int32 {
	for _, p := range subset.Ports {
		if p.Name == k.portName {
			return p.Port
		}
	}
	return 0
}

// podName prefers the pod hostname, then the target pod, then the IP.
func podName(addr corev1.EndpointAddress) string {
	switch {
	case addr.Hostname != "":
		return addr.Hostname
	case addr.TargetRef != nil && addr.TargetRef.Name != "":
		return addr.TargetRef.Name
	default:
		return addr.IP
	}
}
