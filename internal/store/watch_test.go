// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/apierrors"
)

func recv(w store.Watcher) store.WatchEvent {
	select {
	case e := <-w.ResultChan():
		return e
	case <-time.After(time.Second):
		Fail("timed out waiting for a watch event")
		return store.WatchEvent{}
	}
}

var _ = Describe("Watch", func() {
	It("delivers Added/Modified/Deleted events for a kind in resource_version order", func() {
		s := store.New(0)
		w, err := s.Watch(core.KindConfigMap, "", "")
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		cm := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "cfg", Namespace: "default"}}
		Expect(s.Create(cm)).To(Succeed())
		cm.Data = map[string]string{"a": "1"}
		Expect(s.Update(cm, "")).To(Succeed())
		Expect(s.Delete(core.KindConfigMap, "default", "cfg")).To(Succeed())

		added := recv(w)
		Expect(added.Type).To(Equal(store.EventAdded))

		modified := recv(w)
		Expect(modified.Type).To(Equal(store.EventModified))
		Expect(modified.Version).To(BeNumerically(">", added.Version))

		deleted := recv(w)
		Expect(deleted.Type).To(Equal(store.EventDeleted))
		Expect(deleted.Version).To(BeNumerically(">", modified.Version))
	})

	It("scopes events to the watch's namespace", func() {
		s := store.New(0)
		w, err := s.Watch(core.KindConfigMap, "ns1", "")
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "a", Namespace: "ns2"}})).To(Succeed())
		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "b", Namespace: "ns1"}})).To(Succeed())

		e := recv(w)
		Expect(e.Object.GetObjectMeta().Namespace).To(Equal("ns1"))
		Expect(e.Object.GetObjectMeta().Name).To(Equal("b"))
	})

	It("replays retained history since fromVersion on reconnect", func() {
		s := store.New(0)
		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "a", Namespace: "default"}})).To(Succeed())
		second := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "b", Namespace: "default"}}
		Expect(s.Create(second)).To(Succeed())
		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "c", Namespace: "default"}})).To(Succeed())

		w, err := s.Watch(core.KindConfigMap, "", second.ResourceVersion)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		e := recv(w)
		Expect(e.Object.GetObjectMeta().Name).To(Equal("c"))
	})

	It("returns Expired when fromVersion has fallen out of the retained window", func() {
		s := store.New(1)
		first := &core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "a", Namespace: "default"}}
		Expect(s.Create(first)).To(Succeed())
		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "b", Namespace: "default"}})).To(Succeed())
		Expect(s.Create(&core.ConfigMap{ObjectMeta: core.ObjectMeta{Name: "c", Namespace: "default"}})).To(Succeed())

		_, err := s.Watch(core.KindConfigMap, "", first.ResourceVersion)
		Expect(apierrors.IsExpired(err)).To(BeTrue())
	})

	It("closes the result channel once Stop is called", func() {
		s := store.New(0)
		w, err := s.Watch(core.KindConfigMap, "", "")
		Expect(err).NotTo(HaveOccurred())

		w.Stop()

		Eventually(func() bool {
			_, open := <-w.ResultChan()
			return open
		}).Should(BeFalse())
	})
})
