package loadbalance

import (
	"math/rand/v2"

	"looprpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. A weight of zero or less counts as one.
type WeightedRandomBalancer struct{}

func weight(instance registry.ServiceInstance) int {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, instance := range instances {
		total += weight(instance)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
