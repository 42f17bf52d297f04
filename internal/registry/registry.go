// Package registry maps inbound peer identities to their configured
// forward destinations.
package registry

import (
	"net"
	"sync"

	"github.com/flatmapit/dicomrelay/pkg/types"
)

// Destination is anything the forwarding engine can deliver to. The
// concrete types live in the forward package.
type Destination interface {
	Describe() string
}

// Registry is a read-mostly map from (AET, hostname) to an ordered
// destination list. Lookups clear the source port first, so a peer
// calling from an ephemeral port matches its configured entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.DicomNode][]Destination
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[types.DicomNode][]Destination)}
}

// Register binds the destinations for a source node. The node is keyed
// without its port.
func (r *Registry) Register(source types.DicomNode, destinations []Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.key(source)] = destinations
}

func (r *Registry) key(source types.DicomNode) types.DicomNode {
	key := source.WithoutPort()
	key.ValidateHostname = false
	return key
}

// Lookup returns the destination list for a source node, or an error
// with kind NoDestination on a miss. An entry registered without a
// hostname matches any host presenting the AET.
func (r *Registry) Lookup(source types.DicomNode) ([]Destination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if destinations, ok := r.entries[r.key(source)]; ok && len(destinations) > 0 {
		return destinations, nil
	}

	hostless := r.key(source)
	hostless.Hostname = ""
	if destinations, ok := r.entries[hostless]; ok && len(destinations) > 0 {
		return destinations, nil
	}

	return nil, types.Errorf(types.ErrorNoDestination, "no destination registered for %s", source)
}

// DestinationsFor performs the lookup using the identity extracted from
// an inbound peer: its calling AET and the host part of its socket
// address.
func (r *Registry) DestinationsFor(callingAET, remoteAddr string) ([]Destination, error) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	return r.Lookup(types.DicomNode{AETitle: callingAET, Hostname: host})
}
