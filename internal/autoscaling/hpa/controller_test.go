// SPDX-License-Identifier: Apache-2.0

package hpa

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/metrics"
	"github.com/infralink/control-plane/internal/store"

	"k8s.io/utils/ptr"
)

// fakeSource is a minimal metrics.Source double reporting a fixed
// per-pod resource utilization percentage, with per-pod staleness.
type fakeSource struct {
	utilization map[string]float64 // keyed by "namespace/name"
	stale       map[string]bool
}

var _ metrics.Source = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{utilization: map[string]float64{}, stale: map[string]bool{}}
}

func (f *fakeSource) set(namespace, name string, pct float64) {
	f.utilization[namespace+"/"+name] = pct
}

// markStale makes the pod's sample present but too old to trust.
func (f *fakeSource) markStale(namespace, name string) {
	f.stale[namespace+"/"+name] = true
}

func (f *fakeSource) GetPodMetrics(namespace, name string) (metrics.PodMetrics, bool) {
	return metrics.PodMetrics{}, false
}

func (f *fakeSource) GetNodeMetrics(name string) (metrics.NodeMetrics, bool) {
	return metrics.NodeMetrics{}, false
}

func (f *fakeSource) GetClusterMetrics() metrics.ClusterMetrics { return metrics.ClusterMetrics{} }

func (f *fakeSource) IsStale(namespace, name string, _ time.Duration) bool {
	key := namespace + "/" + name
	if f.stale[key] {
		return true
	}
	_, ok := f.utilization[key]
	return !ok
}

func (f *fakeSource) GetPodResourceUtilization(namespace, name string, resourceName core.ResourceName) (float64, bool) {
	v, ok := f.utilization[namespace+"/"+name]
	return v, ok
}

func utilTarget(pct int64) core.MetricTarget {
	return core.MetricTarget{AverageUtilization: ptr.To(pct)}
}

func newDeploymentWithPods(st *store.Store, namespace, name string, replicas int32) *core.Deployment {
	dep := &core.Deployment{
		ObjectMeta: core.ObjectMeta{Name: name, Namespace: namespace},
		Spec: core.DeploymentSpec{
			Replicas: replicas,
			Selector: core.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
		Status: core.DeploymentStatus{Replicas: replicas},
	}
	Expect(st.Create(dep)).To(Succeed())
	for i := int32(0); i < replicas; i++ {
		pod := &core.Pod{
			ObjectMeta: core.ObjectMeta{Name: name + string(rune('a'+i)), Namespace: namespace, Labels: map[string]string{"app": name}},
			Status:     core.PodStatus{Phase: core.PodRunning},
		}
		Expect(st.Create(pod)).To(Succeed())
	}
	return dep
}

var _ = Describe("computeDesired", func() {
	DescribeTable("replica math",
		func(current int32, ratios []float64, min, max int32, want int32) {
			Expect(computeDesired(current, ratios, min, max)).To(Equal(want))
		},
		Entry("scales up to the ratio", int32(3), []float64{1.8}, int32(1), int32(10), int32(6)),
		Entry("clamps to max", int32(3), []float64{5.0}, int32(1), int32(4), int32(4)),
		Entry("clamps to min", int32(3), []float64{0.01}, int32(2), int32(10), int32(2)),
		Entry("uses the highest ratio across metrics", int32(4), []float64{1.1, 2.0, 0.5}, int32(1), int32(20), int32(8)),
		Entry("holds steady with no metrics", int32(5), []float64(nil), int32(1), int32(10), int32(5)),
	)
})

var _ = Describe("Controller", func() {
	var (
		st  *store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		st = store.New(0)
		ctx = context.Background()
	})

	Describe("#reconcile", func() {
		It("scales up when utilization exceeds target", func() {
			newDeploymentWithPods(st, "default", "web", 3)

			source := newFakeSource()
			source.set("default", "weba", 90)
			source.set("default", "webb", 90)
			source.set("default", "webc", 90)

			c := New(st, source, metrics.NewCustomRegistry(0), logr.Discard(), events.NewRecorder(st))

			h := &core.HorizontalPodAutoscaler{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.HorizontalPodAutoscalerSpec{
					TargetRef:   core.CrossVersionObjectReference{Kind: core.KindDeployment, Name: "web"},
					MinReplicas: 1,
					MaxReplicas: 10,
					Metrics: []core.MetricSpec{{
						Type: core.MetricResource, Resource: core.ResourceCPU, Target: utilTarget(50),
					}},
				},
			}
			Expect(st.Create(h)).To(Succeed())

			Expect(c.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindHorizontalPodAutoscaler, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.HorizontalPodAutoscaler).Status.DesiredReplicas).To(Equal(int32(6)), "ceil(3*90/50)")

			dep, err := st.Get(core.KindDeployment, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			target := dep.(*core.Deployment).Status.ScaleTargetReplicas
			Expect(target).NotTo(BeNil())
			Expect(*target).To(Equal(int32(6)))
		})

		It("skips the first cycle with no observed replicas", func() {
			dep := &core.Deployment{ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"}}
			Expect(st.Create(dep)).To(Succeed())

			c := New(st, newFakeSource(), metrics.NewCustomRegistry(0), logr.Discard(), events.NewRecorder(st))
			h := &core.HorizontalPodAutoscaler{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.HorizontalPodAutoscalerSpec{
					TargetRef:   core.CrossVersionObjectReference{Kind: core.KindDeployment, Name: "web"},
					MinReplicas: 2,
					MaxReplicas: 10,
					Metrics:     []core.MetricSpec{{Type: core.MetricResource, Resource: core.ResourceCPU, Target: utilTarget(50)}},
				},
			}
			Expect(st.Create(h)).To(Succeed())

			Expect(c.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindHorizontalPodAutoscaler, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			status := got.(*core.HorizontalPodAutoscaler).Status
			Expect(status.DesiredReplicas).To(Equal(int32(0)))
			Expect(status.LastScaleTime).To(BeNil())
		})

		It("scales on an External metric from the custom registry", func() {
			newDeploymentWithPods(st, "default", "worker", 2)

			custom := metrics.NewCustomRegistry(0)
			custom.Set("queue_depth", 200)

			c := New(st, newFakeSource(), custom, logr.Discard(), events.NewRecorder(st))

			h := &core.HorizontalPodAutoscaler{
				ObjectMeta: core.ObjectMeta{Name: "worker", Namespace: "default"},
				Spec: core.HorizontalPodAutoscalerSpec{
					TargetRef:   core.CrossVersionObjectReference{Kind: core.KindDeployment, Name: "worker"},
					MinReplicas: 1,
					MaxReplicas: 10,
					Metrics: []core.MetricSpec{{
						Type: core.MetricExternal, Name: "queue_depth",
						Target: core.MetricTarget{Value: ptr.To[int64](100)},
					}},
				},
			}
			Expect(st.Create(h)).To(Succeed())

			Expect(c.reconcile(ctx, controller.Key{Namespace: "default", Name: "worker"})).To(Succeed())

			got, err := st.Get(core.KindHorizontalPodAutoscaler, "default", "worker")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.HorizontalPodAutoscaler).Status.DesiredReplicas).To(Equal(int32(4)), "ceil(2*200/100)")
		})

		It("refuses to scale down when the custom metric is missing", func() {
			newDeploymentWithPods(st, "default", "worker", 4)

			// Never written: the metric reads as missing, so the loop may
			// not conclude "load is gone" and shrink the target.
			custom := metrics.NewCustomRegistry(0)

			c := New(st, newFakeSource(), custom, logr.Discard(), events.NewRecorder(st))

			h := &core.HorizontalPodAutoscaler{
				ObjectMeta: core.ObjectMeta{Name: "worker", Namespace: "default"},
				Spec: core.HorizontalPodAutoscalerSpec{
					TargetRef:   core.CrossVersionObjectReference{Kind: core.KindDeployment, Name: "worker"},
					MinReplicas: 1,
					MaxReplicas: 10,
					Metrics: []core.MetricSpec{{
						Type: core.MetricExternal, Name: "queue_depth",
						Target: core.MetricTarget{Value: ptr.To[int64](100)},
					}},
				},
			}
			Expect(st.Create(h)).To(Succeed())

			Expect(c.reconcile(ctx, controller.Key{Namespace: "default", Name: "worker"})).To(Succeed())

			dep, err := st.Get(core.KindDeployment, "default", "worker")
			Expect(err).NotTo(HaveOccurred())
			Expect(dep.(*core.Deployment).Status.ScaleTargetReplicas).To(BeNil())
		})

		It("refuses to scale down when a pod's sample is present but old", func() {
			newDeploymentWithPods(st, "default", "web", 4)

			source := newFakeSource()
			source.set("default", "weba", 10)
			source.set("default", "webb", 10)
			source.set("default", "webc", 10)
			source.set("default", "webd", 10)
			source.markStale("default", "webd")

			c := New(st, source, metrics.NewCustomRegistry(0), logr.Discard(), events.NewRecorder(st))

			h := &core.HorizontalPodAutoscaler{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.HorizontalPodAutoscalerSpec{
					TargetRef:   core.CrossVersionObjectReference{Kind: core.KindDeployment, Name: "web"},
					MinReplicas: 1,
					MaxReplicas: 10,
					Metrics: []core.MetricSpec{{
						Type: core.MetricResource, Resource: core.ResourceCPU, Target: utilTarget(50),
					}},
				},
			}
			Expect(st.Create(h)).To(Succeed())

			Expect(c.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindHorizontalPodAutoscaler, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.HorizontalPodAutoscaler).Status.DesiredReplicas).To(Equal(int32(4)), "a stale sample must pin the target at current")

			dep, err := st.Get(core.KindDeployment, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(dep.(*core.Deployment).Status.ScaleTargetReplicas).To(BeNil())
		})
	})
})
