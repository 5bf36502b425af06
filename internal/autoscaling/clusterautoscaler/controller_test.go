// SPDX-License-Identifier: Apache-2.0

package clusterautoscaler

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/scheduler"
	"github.com/infralink/control-plane/internal/store"
)

func newController(st *store.Store) (*Controller, *scheduler.Scheduler) {
	rec := events.NewRecorder(st)
	sched := scheduler.New(st, logr.Discard(), rec)
	return New(st, sched, logr.Discard(), rec), sched
}

func podRequesting(namespace, name, cpu string) *core.Pod {
	return &core.Pod{
		ObjectMeta: core.ObjectMeta{Name: name, Namespace: namespace},
		Spec: core.PodSpec{Containers: []core.Container{{
			Name: "c", Image: "busybox",
			Resources: core.ResourceRequirements{Requests: core.ResourceList{
				core.ResourceCPU: core.MustQuantity(cpu),
			}},
		}}},
	}
}

func nodeGroup(name string, min, max, desired int32, enabled bool, cpu string) *core.NodeGroup {
	return &core.NodeGroup{
		ObjectMeta: core.ObjectMeta{Name: name},
		Spec: core.NodeGroupSpec{
			MinSize: min, MaxSize: max, DesiredCapacity: desired,
			AutoScalingEnabled: enabled,
			NodeCapacity:       core.ResourceList{core.ResourceCPU: core.MustQuantity(cpu)},
		},
	}
}

func node(name, group string, cpu, allocated string) *core.Node {
	return &core.Node{
		ObjectMeta: core.ObjectMeta{Name: name},
		Spec:       core.NodeSpec{NodeGroupName: group},
		Status: core.NodeStatus{
			Allocatable: core.ResourceList{core.ResourceCPU: core.MustQuantity(cpu)},
			Allocated:   core.ResourceList{core.ResourceCPU: core.MustQuantity(allocated)},
			Conditions:  []core.NodeCondition{{Type: core.NodeReady, Status: core.ConditionTrue}},
		},
	}
}

var _ = Describe("Controller", func() {
	var st *store.Store

	BeforeEach(func() {
		st = store.New(0)
	})

	Describe("#tryScaleUp", func() {
		It("grows the fitting group for an unschedulable pod", func() {
			c, sched := newController(st)

			pod := podRequesting("default", "web", "2")
			Expect(st.Create(pod)).To(Succeed())
			tooSmall := nodeGroup("small", 0, 5, 0, true, "1")
			fitting := nodeGroup("large", 0, 5, 1, true, "4")
			Expect(st.Create(tooSmall)).To(Succeed())
			Expect(st.Create(fitting)).To(Succeed())

			sched.Unschedulable().Add(pod.Namespace, pod.Name)

			Expect(c.tryScaleUp()).To(BeTrue(), "expected tryScaleUp to find a fitting group and scale it")

			got, err := st.Get(core.KindNodeGroup, "", "large")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.NodeGroup).Spec.DesiredCapacity).To(Equal(int32(2)))
			activities := got.(*core.NodeGroup).Status.Activities
			Expect(activities).To(HaveLen(1))
			Expect(activities[0].Phase).To(Equal(core.ActivityInProgress))

			untouched, err := st.Get(core.KindNodeGroup, "", "small")
			Expect(err).NotTo(HaveOccurred())
			Expect(untouched.(*core.NodeGroup).Spec.DesiredCapacity).To(Equal(int32(0)), "expected the too-small group to be left alone")
		})

		It("skips a group already at max size", func() {
			c, sched := newController(st)

			pod := podRequesting("default", "web", "2")
			Expect(st.Create(pod)).To(Succeed())
			atMax := nodeGroup("maxed", 0, 2, 2, true, "4")
			Expect(st.Create(atMax)).To(Succeed())
			atMax.Status.CurrentSize = 2
			Expect(st.Update(atMax, atMax.ResourceVersion)).To(Succeed())

			sched.Unschedulable().Add(pod.Namespace, pod.Name)

			Expect(c.tryScaleUp()).To(BeFalse(), "expected no scale-up when the only fitting group is already at max size")
		})

		It("returns false with no unschedulable pods", func() {
			c, _ := newController(st)
			Expect(c.tryScaleUp()).To(BeFalse())
		})
	})

	Describe("#onNodeRegistered", func() {
		It("drives the pending activity to Successful and counts the member", func() {
			c, sched := newController(st)

			group := nodeGroup("g", 0, 5, 1, true, "4")
			group.Status.Activities = []core.ClusterScalingActivity{{Phase: core.ActivityInProgress, Reason: "scale-up"}}
			Expect(st.Create(group)).To(Succeed())

			sched.Unschedulable().Add("default", "web")

			fresh := node("fresh", "g", "4", "0")
			Expect(st.Create(fresh)).To(Succeed())
			c.onNodeRegistered(fresh)

			got, err := st.Get(core.KindNodeGroup, "", "g")
			Expect(err).NotTo(HaveOccurred())
			g := got.(*core.NodeGroup)
			Expect(g.Status.CurrentSize).To(Equal(int32(1)))
			Expect(g.Status.Activities).To(HaveLen(1))
			Expect(g.Status.Activities[0].Phase).To(Equal(core.ActivitySuccessful))
			Expect(g.Status.Activities[0].CompletedAt).NotTo(BeNil())
		})
	})

	Describe("#tryScaleDown", func() {
		It("removes a sustained underutilized node", func() {
			c, _ := newController(st)

			group := nodeGroup("g", 1, 5, 2, true, "4")
			Expect(st.Create(group)).To(Succeed())
			idle := node("idle", "g", "4", "0.1")
			other := node("other", "g", "4", "0")
			Expect(st.Create(idle)).To(Succeed())
			Expect(st.Create(other)).To(Succeed())

			// no pods reference idle, so podsRelocatable trivially holds
			// and hasLocalStorageClaim finds nothing.
			c.underutilizedSince["idle"] = time.Now().Add(-(SustainedWindow + time.Second))

			Expect(c.tryScaleDown()).To(BeTrue(), "expected the sustained underutilized node to be removed")

			_, err := st.Get(core.KindNode, "", "idle")
			Expect(err).To(HaveOccurred(), "expected idle node to have been deleted")

			got, err := st.Get(core.KindNodeGroup, "", "g")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.NodeGroup).Spec.DesiredCapacity).To(Equal(int32(1)))
		})

		It("skips a node not yet sustained underutilized", func() {
			c, _ := newController(st)

			idle := node("idle", "g", "4", "0.1")
			Expect(st.Create(idle)).To(Succeed())

			Expect(c.tryScaleDown()).To(BeFalse(), "expected no removal on the first tick a node is seen underutilized")
			_, tracked := c.underutilizedSince["idle"]
			Expect(tracked).To(BeTrue(), "expected the node to start being tracked as underutilized")
		})

		It("skips a node pinned by a Local PV claim", func() {
			c, _ := newController(st)

			idle := node("idle", "g", "4", "0.1")
			Expect(st.Create(idle)).To(Succeed())

			pv := &core.PersistentVolume{
				ObjectMeta: core.ObjectMeta{Name: "pv-local"},
				Spec:       core.PersistentVolumeSpec{VolumeSource: core.VolumeSource{Kind: core.VolumeSourceLocal}},
			}
			Expect(st.Create(pv)).To(Succeed())
			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default"},
				Spec:       core.PersistentVolumeClaimSpec{VolumeName: "pv-local"},
			}
			Expect(st.Create(pvc)).To(Succeed())
			claimName := "claim"
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.PodSpec{
					NodeName: "idle",
					Volumes:  []core.PodVolume{{Name: "data", PersistentVolumeClaim: &claimName}},
				},
			}
			Expect(st.Create(pod)).To(Succeed())

			c.underutilizedSince["idle"] = time.Now().Add(-(SustainedWindow + time.Second))

			Expect(c.tryScaleDown()).To(BeFalse(), "expected a node pinned by a Local PV claim to never be scaled down")
			_, err := st.Get(core.KindNode, "", "idle")
			Expect(err).NotTo(HaveOccurred(), "expected idle node to survive")
		})

		It("skips a node whose pods have nowhere to go", func() {
			c, _ := newController(st)

			idle := node("idle", "g", "4", "0.1")
			Expect(st.Create(idle)).To(Succeed())
			pod := podRequesting("default", "web", "3.5")
			pod.Spec.NodeName = "idle"
			Expect(st.Create(pod)).To(Succeed())

			c.underutilizedSince["idle"] = time.Now().Add(-(SustainedWindow + time.Second))

			Expect(c.tryScaleDown()).To(BeFalse(), "expected no removal when the node's pod has no other node to land on")
		})
	})
})
