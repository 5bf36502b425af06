// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

var _ = Describe("Store", func() {
	var s *store.Store

	BeforeEach(func() {
		s = store.New(0)
	})

	Describe("#Create", func() {
		It("assigns UID, resourceVersion, generation 1 and a creation timestamp", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
			Expect(s.Create(cm)).To(Succeed())

			Expect(cm.UID).NotTo(BeEmpty())
			Expect(cm.ResourceVersion).NotTo(BeEmpty())
			Expect(cm.Generation).To(Equal(int64(1)))
			Expect(cm.CreationTimestamp.IsZero()).To(BeFalse())
		})

		It("rejects a duplicate (kind, namespace, name)", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
			Expect(s.Create(cm)).To(Succeed())

			dup := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
			err := s.Create(dup)
			Expect(apierrors.IsAlreadyExists(err)).To(BeTrue())
		})

		It("rejects an empty name", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Namespace: "default"}}
			err := s.Create(cm)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("#Get", func() {
		It("returns NotFound for an absent object", func() {
			_, err := s.Get(core.KindConfigMap, "default", "missing")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("returns a snapshot independent of later mutation", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}, Data: map[string]string{"a": "1"}}
			Expect(s.Create(cm)).To(Succeed())

			got, err := s.Get(core.KindConfigMap, "default", "cfg")
			Expect(err).NotTo(HaveOccurred())

			cm.Data["a"] = "2"
			Expect(got.(*core.ConfigMap).Data["a"]).To(Equal("1"))
		})
	})

	Describe("#Update", func() {
		It("bumps resourceVersion and rejects a stale precondition", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
			Expect(s.Create(cm)).To(Succeed())
			staleVersion := cm.ResourceVersion

			cm.Data = map[string]string{"a": "1"}
			Expect(s.Update(cm, staleVersion)).To(Succeed())
			newVersion := cm.ResourceVersion
			Expect(newVersion).NotTo(Equal(staleVersion))

			cm.Data = map[string]string{"a": "2"}
			err := s.Update(cm, staleVersion)
			Expect(apierrors.IsConflict(err)).To(BeTrue())

			cm.Data = map[string]string{"a": "2"}
			Expect(s.Update(cm, newVersion)).To(Succeed())
		})

		It("bumps generation only when the spec-shaped field changes", func() {
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "p", Namespace: "default"},
				Spec:       core.PodSpec{Containers: []core.Container{{Name: "c", Image: "busybox"}}},
			}
			Expect(s.Create(pod)).To(Succeed())
			Expect(pod.Generation).To(Equal(int64(1)))

			pod.Status.Phase = core.PodRunning
			Expect(s.Update(pod, "")).To(Succeed())
			Expect(pod.Generation).To(Equal(int64(1)))

			pod.Spec.Containers[0].Image = "busybox:latest"
			Expect(s.Update(pod, "")).To(Succeed())
			Expect(pod.Generation).To(Equal(int64(2)))
		})
	})

	Describe("#Patch", func() {
		It("mutates the current stored value atomically", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}, Data: map[string]string{"a": "1"}}
			Expect(s.Create(cm)).To(Succeed())

			err := s.Patch(core.KindConfigMap, "default", "cfg", func(o store.Object) error {
				o.(*core.ConfigMap).Data["b"] = "2"
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			got, err := s.Get(core.KindConfigMap, "default", "cfg")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.ConfigMap).Data).To(HaveKeyWithValue("b", "2"))
		})
	})

	Describe("#Delete", func() {
		It("removes an object with no finalizers immediately", func() {
			cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
			Expect(s.Create(cm)).To(Succeed())
			Expect(s.Delete(core.KindConfigMap, "default", "cfg")).To(Succeed())

			_, err := s.Get(core.KindConfigMap, "default", "cfg")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("marks an object with finalizers as terminating instead of removing it", func() {
			ns := &core.Namespace{ObjectMeta: core.ObjectMeta{Name: "team-a", Finalizers: []string{"control-plane/cleanup"}}}
			Expect(s.Create(ns)).To(Succeed())
			Expect(s.Delete(core.KindNamespace, "", "team-a")).To(Succeed())

			got, err := s.Get(core.KindNamespace, "", "team-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.GetObjectMeta().IsTerminating()).To(BeTrue())

			got.GetObjectMeta().RemoveFinalizer("control-plane/cleanup")
			Expect(s.Update(got, "")).To(Succeed())
			Expect(s.Delete(core.KindNamespace, "", "team-a")).To(Succeed())

			_, err = s.Get(core.KindNamespace, "", "team-a")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("#List", func() {
		It("filters by namespace and label selector", func() {
			Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "a", Namespace: "ns1", Labels: map[string]string{"tier": "web"}}})).To(Succeed())
			Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "b", Namespace: "ns1", Labels: map[string]string{"tier": "db"}}})).To(Succeed())
			Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "c", Namespace: "ns2", Labels: map[string]string{"tier": "web"}}})).To(Succeed())

			all, err := s.List(core.KindConfigMap, "", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))

			ns1Only, err := s.List(core.KindConfigMap, "ns1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ns1Only).To(HaveLen(2))

			sel := (&core.LabelSelector{MatchLabels: map[string]string{"tier": "web"}})
			selector, err := sel.ToSelector()
			Expect(err).NotTo(HaveOccurred())
			web, err := s.List(core.KindConfigMap, "", selector)
			Expect(err).NotTo(HaveOccurred())
			Expect(web).To(HaveLen(2))
		})
	})
})
