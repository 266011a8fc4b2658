package loadbalance

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"looprpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 100

// ConsistentHashBalancer maps keys onto a ring of virtual nodes, so a key
// keeps landing on the same instance while the instance set is unchanged.
//
//	       0
//	     ╱   ╲
//	B ●         ● A
//	  │  key ◆──►│    (clockwise to the nearest node → A)
//	C ●         ● A'  (virtual node of A)
//	     ╲   ╱
type ConsistentHashBalancer struct {
	key      string // used by Pick
	replicas int

	mu      sync.Mutex
	ring    []uint64
	nodes   map[uint64]registry.ServiceInstance
	members map[string]struct{}
}

// NewConsistentHashBalancer creates an empty ring. Pick routes key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: DefaultReplicas,
		nodes:    make(map[uint64]registry.ServiceInstance),
		members:  make(map[string]struct{}),
	}
}

func vnodeHash(addr string, i int) uint64 {
	return xxhash.Sum64String(addr + "#" + strconv.Itoa(i))
}

// Add places instance on the ring. Adding a present address is a no-op.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sortRing()
}

// Remove takes the instance at addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(addr)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	if _, ok := b.members[instance.Addr]; ok {
		return
	}
	b.members[instance.Addr] = struct{}{}
	for i := 0; i < b.replicas; i++ {
		h := vnodeHash(instance.Addr, i)
		b.ring = append(b.ring, h)
		b.nodes[h] = instance
	}
}

func (b *ConsistentHashBalancer) remove(addr string) {
	if _, ok := b.members[addr]; !ok {
		return
	}
	delete(b.members, addr)
	ring := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].Addr == addr {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Get returns the instance responsible for key.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(key)
}

func (b *ConsistentHashBalancer) get(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= h
	})
	if idx == len(b.ring) {
		idx = 0
	}
	instance := b.nodes[b.ring[idx]]
	return &instance, nil
}

// Pick syncs the ring with instances and routes the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		current[instance.Addr] = struct{}{}
		b.add(instance)
	}
	for addr := range b.members {
		if _, ok := current[addr]; !ok {
			b.remove(addr)
		}
	}
	b.sortRing()
	return b.get(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
