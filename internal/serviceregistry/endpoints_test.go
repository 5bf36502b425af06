// SPDX-License-Identifier: Apache-2.0

package serviceregistry

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/store"
)

func newRegistry(st *store.Store) (*Registry, *Zone) {
	zone := NewZone()
	return New(st, zone, logr.Discard()), zone
}

func newServicePod(namespace, name, ip string, phase core.PodPhase, httpPort int32) *core.Pod {
	return &core.Pod{
		ObjectMeta: core.ObjectMeta{Name: name, Namespace: namespace, Labels: map[string]string{"app": "web"}},
		Spec: core.PodSpec{Containers: []core.Container{{
			Name: "app", Image: "web:latest",
			Ports: []core.ContainerPort{{Name: "http", ContainerPort: httpPort}},
		}}},
		Status: core.PodStatus{PodIP: ip, Phase: phase},
	}
}

var _ = Describe("Registry", func() {
	var (
		st  *store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		st = store.New(0)
		ctx = context.Background()
	})

	Describe("#reconcile", func() {
		It("derives endpoints from matching ready pods", func() {
			r, zone := newRegistry(st)

			ready := newServicePod("default", "web-a", "10.0.0.1", core.PodRunning, 8080)
			notReady := newServicePod("default", "web-b", "10.0.0.2", core.PodPending, 8080)
			unrelated := newServicePod("default", "other", "10.0.0.3", core.PodRunning, 8080)
			unrelated.Labels = map[string]string{"app": "other"}

			for _, p := range []*core.Pod{ready, notReady, unrelated} {
				Expect(st.Create(p)).To(Succeed())
			}

			svc := &core.Service{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.ServiceSpec{
					Selector:  core.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
					ClusterIP: "10.96.0.5",
					Ports:     []core.ServicePort{{Name: "http", Port: 80, TargetPort: core.FromInt(8080), Protocol: core.ProtocolTCP}},
				},
			}
			Expect(st.Create(svc)).To(Succeed())

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindEndpoints, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			addrs := got.(*core.Endpoints).Addresses
			Expect(addrs).To(HaveLen(2), "ready + not-ready, unrelated excluded")

			var readyCount int
			for _, a := range addrs {
				Expect(a.IP).NotTo(Equal("10.0.0.3"), "the unrelated pod's address should never appear")
				if a.Ready {
					readyCount++
				}
			}
			Expect(readyCount).To(Equal(1))

			rrs := zone.Lookup(serviceFQDN("default", "web"))
			Expect(rrs).NotTo(BeEmpty(), "expected an A record to be synthesized for the service's ClusterIP")
		})

		It("drops an exited pod that still carries its last PodIP", func() {
			r, _ := newRegistry(st)

			running := newServicePod("default", "web-a", "10.0.0.1", core.PodRunning, 8080)
			exited := newServicePod("default", "web-b", "10.0.0.2", core.PodFailed, 8080)
			done := newServicePod("default", "web-c", "10.0.0.3", core.PodSucceeded, 8080)

			for _, p := range []*core.Pod{running, exited, done} {
				Expect(st.Create(p)).To(Succeed())
			}

			svc := &core.Service{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.ServiceSpec{
					Selector:  core.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
					ClusterIP: "10.96.0.5",
					Ports:     []core.ServicePort{{Name: "http", Port: 80, TargetPort: core.FromInt(8080)}},
				},
			}
			Expect(st.Create(svc)).To(Succeed())

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindEndpoints, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			addrs := got.(*core.Endpoints).Addresses
			Expect(addrs).To(HaveLen(1), "only the Running pod may back the service")
			Expect(addrs[0].IP).To(Equal("10.0.0.1"))
		})

		It("resolves a named target port", func() {
			r, _ := newRegistry(st)

			pod := newServicePod("default", "web-a", "10.0.0.1", core.PodRunning, 9090)
			Expect(st.Create(pod)).To(Succeed())

			svc := &core.Service{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.ServiceSpec{
					Selector: core.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
					Ports:    []core.ServicePort{{Name: "http", Port: 80, TargetPort: core.IntOrString{StrValue: "http"}}},
				},
			}
			Expect(st.Create(svc)).To(Succeed())

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindEndpoints, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			addrs := got.(*core.Endpoints).Addresses
			Expect(addrs).To(HaveLen(1))
			Expect(addrs[0].Port).To(Equal(int32(9090)), "named port should resolve to the container port")
		})

		It("assigns a ClusterIP on first reconcile and keeps it stable", func() {
			r, zone := newRegistry(st)

			svc := &core.Service{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.ServiceSpec{
					Selector: core.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
					Ports:    []core.ServicePort{{Name: "http", Port: 80, TargetPort: core.FromInt(8080)}},
				},
			}
			Expect(st.Create(svc)).To(Succeed())

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindService, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			assigned := got.(*core.Service).Spec.ClusterIP
			Expect(assigned).To(HavePrefix("10.96."))

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())
			got, err = st.Get(core.KindService, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.Service).Spec.ClusterIP).To(Equal(assigned), "the address is immutable once assigned")

			rrs := zone.Lookup(serviceFQDN("default", "web"))
			Expect(rrs).NotTo(BeEmpty(), "the assigned address should back the service's A record")
		})

		It("emits a CNAME without Endpoints for an ExternalName service", func() {
			r, zone := newRegistry(st)

			svc := &core.Service{
				ObjectMeta: core.ObjectMeta{Name: "ext", Namespace: "default"},
				Spec:       core.ServiceSpec{Type: core.ServiceExternalName, ExternalName: "example.com"},
			}
			Expect(st.Create(svc)).To(Succeed())

			Expect(r.reconcile(ctx, controller.Key{Namespace: "default", Name: "ext"})).To(Succeed())

			_, err := st.Get(core.KindEndpoints, "default", "ext")
			Expect(err).To(HaveOccurred(), "expected no Endpoints object for an ExternalName service")

			rrs := zone.Lookup(serviceFQDN("default", "ext"))
			Expect(rrs).To(HaveLen(1))
			cname, ok := rrs[0].(*dns.CNAME)
			Expect(ok).To(BeTrue(), "expected a CNAME record")
			Expect(cname.Target).To(Equal("example.com."))
		})
	})
})
