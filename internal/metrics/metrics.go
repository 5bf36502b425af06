// SPDX-License-Identifier: Apache-2.0

// Package metrics implements the Metrics Collector:
// it scrapes container stats through the Runtime interface, aggregates
// them to pod/node granularity, exposes Prometheus gauges, and retains
// raw samples for metrics_retention_period.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/runtime"
	"github.com/infralink/control-plane/internal/store"
)

// DefaultCollectionInterval is the scrape period.
const DefaultCollectionInterval = 10 * time.Second

// DefaultRetentionPeriod bounds how long raw samples are kept.
const DefaultRetentionPeriod = 15 * time.Minute

// Source is the read surface HPA and other consumers use. It is kept
// narrow on purpose: callers depend on this interface, not *Collector,
// so tests can substitute a fake.
type Source interface {
	GetPodMetrics(namespace, name string) (PodMetrics, bool)
	GetNodeMetrics(name string) (NodeMetrics, bool)
	GetClusterMetrics() ClusterMetrics
	// IsStale reports whether the newest sample for (namespace, name)
	// is older than staleAfter; a pod with no samples at all is stale.
	// Consumers use this to refuse decisions based on readings the
	// scrape loop has stopped refreshing.
	IsStale(namespace, name string, staleAfter time.Duration) bool
	// GetPodResourceUtilization returns the percentage (0-100+) of the
	// pod's resource request currently being used: usage summed over
	// the pod's containers divided by their summed requests.
	GetPodResourceUtilization(namespace, name string, resourceName core.ResourceName) (float64, bool)
}

// sample is one raw scrape result, timestamped for retention eviction.
type sample struct {
	at   time.Time
	cpu  uint64 // nanocores
	mem  uint64 // working set bytes
	rxB  uint64
	txB  uint64
	rxE  uint64
	txE  uint64
}

// PodMetrics is the aggregated view of one pod's current resource usage.
type PodMetrics struct {
	Namespace   string
	Name        string
	Timestamp   time.Time
	CPUNanos    uint64
	MemoryBytes uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
	NetworkRxErrors uint64
	NetworkTxErrors uint64
}

// NodeMetrics is the aggregated view of one node's current resource usage.
type NodeMetrics struct {
	Name        string
	Timestamp   time.Time
	CPUNanos    uint64
	MemoryBytes uint64
	StorageUsedBytes     uint64
	StorageCapacityBytes uint64
	StorageInodesFree    uint64
}

// ClusterMetrics aggregates every known node.
type ClusterMetrics struct {
	Timestamp   time.Time
	CPUNanos    uint64
	MemoryBytes uint64
	NodeCount   int
	PodCount    int
}

// Collector implements Source and drives the periodic scrape loop.
type Collector struct {
	store   *store.Store
	runtime runtime.Runtime
	log     logr.Logger

	collectionInterval time.Duration
	retention          time.Duration

	mu       sync.RWMutex
	podSamples  map[string][]sample // key: namespace/name
	nodeSamples map[string][]sample // key: node name

	registry *prometheus.Registry
	cpuGauge *prometheus.GaugeVec
	memGauge *prometheus.GaugeVec
	netGauge *prometheus.GaugeVec
}

// New constructs a Collector with its own private Prometheus registry.
func New(st *store.Store, rt runtime.Runtime, log logr.Logger) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		store:               st,
		runtime:             rt,
		log:                 log.WithName("metrics-collector"),
		collectionInterval:  DefaultCollectionInterval,
		retention:           DefaultRetentionPeriod,
		podSamples:          make(map[string][]sample),
		nodeSamples:         make(map[string][]sample),
		registry:            reg,
		cpuGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_cpu_nanocores",
			Help: "CPU usage in nanocores by entity.",
		}, []string{"kind", "namespace", "name"}),
		memGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_memory_working_set_bytes",
			Help: "Memory working set bytes by entity.",
		}, []string{"kind", "namespace", "name"}),
		netGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_network_bytes_total",
			Help: "Cumulative network bytes by entity and direction.",
		}, []string{"kind", "namespace", "name", "direction"}),
	}
	reg.MustRegister(c.cpuGauge, c.memGauge, c.netGauge)
	return c
}

// Registry exposes the private registry for the HTTP /api/v1/metrics
// handler to render.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Start runs the scrape and cleanup loops until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go c.scrapeLoop(ctx)
	go c.cleanupLoop(ctx)
}

func (c *Collector) scrapeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.collectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scrapeOnce(ctx)
		}
	}
}

// cleanupLoop evicts samples older than retention on its own loop so
// eviction latency never rides on the scrape cadence.
func (c *Collector) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictOlderThan(time.Now().Add(-c.retention))
		}
	}
}

func (c *Collector) scrapeOnce(ctx context.Context) {
	pods, err := c.store.List(core.KindPod, "", nil)
	if err != nil {
		c.log.Error(err, "listing pods for scrape")
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	nodeAgg := make(map[string]sample)
	for _, o := range pods {
		pod := o.(*core.Pod)
		if pod.Status.Phase != core.PodRunning {
			continue
		}
		var s sample
		s.at = now
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.ContainerID == "" {
				continue
			}
			stats, err := c.runtime.GetContainerStats(ctx, cs.ContainerID)
			if err != nil {
				continue
			}
			s.cpu += stats.CPUNanos
			s.mem += stats.MemoryBytes
			s.rxB += stats.NetworkRxBytes
			s.txB += stats.NetworkTxBytes
			s.rxE += stats.NetworkRxErrors
			s.txE += stats.NetworkTxErrors
		}
		key := pod.Namespace + "/" + pod.Name
		c.podSamples[key] = append(c.podSamples[key], s)

		c.cpuGauge.WithLabelValues("pod", pod.Namespace, pod.Name).Set(float64(s.cpu))
		c.memGauge.WithLabelValues("pod", pod.Namespace, pod.Name).Set(float64(s.mem))
		c.netGauge.WithLabelValues("pod", pod.Namespace, pod.Name, "rx").Set(float64(s.rxB))
		c.netGauge.WithLabelValues("pod", pod.Namespace, pod.Name, "tx").Set(float64(s.txB))

		if pod.Spec.NodeName != "" {
			agg := nodeAgg[pod.Spec.NodeName]
			agg.at = now
			agg.cpu += s.cpu
			agg.mem += s.mem
			agg.rxB += s.rxB
			agg.txB += s.txB
			agg.rxE += s.rxE
			agg.txE += s.txE
			nodeAgg[pod.Spec.NodeName] = agg
		}
	}

	for name, s := range nodeAgg {
		c.nodeSamples[name] = append(c.nodeSamples[name], s)
		c.cpuGauge.WithLabelValues("node", "", name).Set(float64(s.cpu))
		c.memGauge.WithLabelValues("node", "", name).Set(float64(s.mem))
		c.netGauge.WithLabelValues("node", "", name, "rx").Set(float64(s.rxB))
		c.netGauge.WithLabelValues("node", "", name, "tx").Set(float64(s.txB))
	}
}

func (c *Collector) evictOlderThan(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, samples := range c.podSamples {
		c.podSamples[k] = trimBefore(samples, cutoff)
	}
	for k, samples := range c.nodeSamples {
		c.nodeSamples[k] = trimBefore(samples, cutoff)
	}
}

func trimBefore(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// GetPodMetrics returns the most recent aggregated sample for a pod.
func (c *Collector) GetPodMetrics(namespace, name string) (PodMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	samples := c.podSamples[namespace+"/"+name]
	if len(samples) == 0 {
		return PodMetrics{}, false
	}
	s := samples[len(samples)-1]
	return PodMetrics{
		Namespace:       namespace,
		Name:            name,
		Timestamp:       s.at,
		CPUNanos:        s.cpu,
		MemoryBytes:     s.mem,
		NetworkRxBytes:  s.rxB,
		NetworkTxBytes:  s.txB,
		NetworkRxErrors: s.rxE,
		NetworkTxErrors: s.txE,
	}, true
}

// GetNodeMetrics returns the most recent aggregated sample for a node.
// Storage figures come from the Node object's capacity/allocated tally
// rather than a scrape, since storage consumption is tracked by the
// Scheduler's binding bookkeeping, not by the Runtime.
func (c *Collector) GetNodeMetrics(name string) (NodeMetrics, bool) {
	c.mu.RLock()
	samples := c.nodeSamples[name]
	var s sample
	ok := len(samples) > 0
	if ok {
		s = samples[len(samples)-1]
	}
	c.mu.RUnlock()
	if !ok {
		return NodeMetrics{}, false
	}

	nm := NodeMetrics{
		Name:        name,
		Timestamp:   s.at,
		CPUNanos:    s.cpu,
		MemoryBytes: s.mem,
	}
	if obj, err := c.store.Get(core.KindNode, "", name); err == nil {
		node := obj.(*core.Node)
		if total, ok := node.Status.Capacity[core.ResourceStorage]; ok {
			nm.StorageCapacityBytes = uint64(total.Value())
		}
		if used, ok := node.Status.Allocated[core.ResourceStorage]; ok {
			nm.StorageUsedBytes = uint64(used.Value())
		}
	}
	return nm, true
}

// GetClusterMetrics sums every node's latest sample.
func (c *Collector) GetClusterMetrics() ClusterMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := ClusterMetrics{Timestamp: time.Now()}
	for _, samples := range c.nodeSamples {
		if len(samples) == 0 {
			continue
		}
		s := samples[len(samples)-1]
		out.CPUNanos += s.cpu
		out.MemoryBytes += s.mem
		out.NodeCount++
	}
	out.PodCount = len(c.podSamples)
	return out
}

// GetPodResourceUtilization reports the percentage of pod.Spec resource
// requests currently being consumed, matching HPA's average_utilization
// target semantics.
func (c *Collector) GetPodResourceUtilization(namespace, name string, resourceName core.ResourceName) (float64, bool) {
	pm, ok := c.GetPodMetrics(namespace, name)
	if !ok {
		return 0, false
	}

	obj, err := c.store.Get(core.KindPod, namespace, name)
	if err != nil {
		return 0, false
	}
	pod := obj.(*core.Pod)
	requestsTotal := pod.RequestsTotal()
	req, ok := requestsTotal[resourceName]
	if !ok || req.IsZero() {
		return 0, false
	}

	// Requests are denominated in cores/bytes; samples in nanocores/bytes.
	var used, requested float64
	switch resourceName {
	case core.ResourceCPU:
		used = float64(pm.CPUNanos)
		requested = req.AsApproximateFloat64() * 1e9
	case core.ResourceMemory:
		used = float64(pm.MemoryBytes)
		requested = req.AsApproximateFloat64()
	default:
		return 0, false
	}
	if requested == 0 {
		return 0, false
	}

	return used / requested * 100, true
}

// IsStale reports whether the most recent sample for (namespace, name)
// is older than staleAfter. A pod with no samples at all is stale.
func (c *Collector) IsStale(namespace, name string, staleAfter time.Duration) bool {
	pm, ok := c.GetPodMetrics(namespace, name)
	if !ok {
		return true
	}
	return time.Since(pm.Timestamp) > staleAfter
}
