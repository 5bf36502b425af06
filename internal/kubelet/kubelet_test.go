// SPDX-License-Identifier: Apache-2.0

package kubelet

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/runtime"
	"github.com/infralink/control-plane/internal/store"
)

func newKubelet(st *store.Store) (*Kubelet, *runtime.Fake) {
	rt := runtime.NewFake()
	return New(st, rt, logr.Discard(), events.NewRecorder(st)), rt
}

var _ = Describe("Kubelet", func() {
	var (
		st  *store.Store
		k   *Kubelet
		rt  *runtime.Fake
		ctx context.Context
	)

	BeforeEach(func() {
		st = store.New(0)
		k, rt = newKubelet(st)
		ctx = context.Background()
	})

	Describe("admitting a scheduled pod", func() {
		It("starts every container and assigns a pod IP", func() {
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.PodSpec{
					NodeName:      "node-1",
					RestartPolicy: core.RestartAlways,
					Containers:    []core.Container{{Name: "app", Image: "nginx:latest"}},
				},
				Status: core.PodStatus{Phase: core.PodPending},
			}
			Expect(st.Create(pod)).To(Succeed())

			Expect(k.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			got, err := st.Get(core.KindPod, "default", "web")
			Expect(err).NotTo(HaveOccurred())
			p := got.(*core.Pod)
			Expect(p.Status.Phase).To(Equal(core.PodRunning))
			Expect(p.Status.PodIP).NotTo(BeEmpty())
			Expect(p.Status.ContainerStatuses).To(HaveLen(1))
			Expect(p.Status.ContainerStatuses[0].Ready).To(BeTrue())
			Expect(p.HasFinalizer(cleanupFinalizer)).To(BeTrue())
		})

		It("resolves ConfigMap and Secret env sources", func() {
			Expect(st.Create(&core.ConfigMap{
				ObjectMeta: core.ObjectMeta{Name: "app-config", Namespace: "default"},
				Data:       map[string]string{"LOG_LEVEL": "debug"},
			})).To(Succeed())
			Expect(st.Create(&core.Secret{
				ObjectMeta: core.ObjectMeta{Name: "app-secret", Namespace: "default"},
				Data:       map[string][]byte{"API_KEY": []byte("s3cr3t")},
			})).To(Succeed())

			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.PodSpec{
					NodeName: "node-1",
					Containers: []core.Container{{
						Name:  "app",
						Image: "nginx:latest",
						Env: []core.EnvVar{
							{Name: "LOG_LEVEL", ValueFrom: &core.EnvVarSource{ConfigMapKeyRef: &core.KeyRef{Name: "app-config", Key: "LOG_LEVEL"}}},
							{Name: "API_KEY", ValueFrom: &core.EnvVarSource{SecretKeyRef: &core.KeyRef{Name: "app-secret", Key: "API_KEY"}}},
						},
					}},
				},
				Status: core.PodStatus{Phase: core.PodPending},
			}
			Expect(st.Create(pod)).To(Succeed())

			Expect(k.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			containers, err := rt.ListContainers(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(containers).To(HaveLen(1))
		})

		It("fails the pod when a referenced ConfigMap key is missing", func() {
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.PodSpec{
					NodeName: "node-1",
					Containers: []core.Container{{
						Name:  "app",
						Image: "nginx:latest",
						Env: []core.EnvVar{
							{Name: "MISSING", ValueFrom: &core.EnvVarSource{ConfigMapKeyRef: &core.KeyRef{Name: "does-not-exist", Key: "x"}}},
						},
					}},
				},
				Status: core.PodStatus{Phase: core.PodPending},
			}
			Expect(st.Create(pod)).To(Succeed())

			err := k.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})
			Expect(err).To(BeAssignableToTypeOf(&controller.Permanent{}))

			got, _ := st.Get(core.KindPod, "default", "web")
			Expect(got.(*core.Pod).Status.Phase).To(Equal(core.PodFailed))
		})

		It("skips pods that have not yet been scheduled to a node", func() {
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "pending", Namespace: "default"},
				Spec:       core.PodSpec{Containers: []core.Container{{Name: "app", Image: "nginx:latest"}}},
				Status:     core.PodStatus{Phase: core.PodPending},
			}
			Expect(st.Create(pod)).To(Succeed())

			Expect(k.reconcile(ctx, controller.Key{Namespace: "default", Name: "pending"})).To(Succeed())

			got, _ := st.Get(core.KindPod, "default", "pending")
			Expect(got.(*core.Pod).Status.ContainerStatuses).To(BeEmpty())
		})
	})

	Describe("terminating a pod", func() {
		It("stops and removes every container before draining the finalizer", func() {
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "web", Namespace: "default"},
				Spec: core.PodSpec{
					NodeName:   "node-1",
					Containers: []core.Container{{Name: "app", Image: "nginx:latest"}},
				},
				Status: core.PodStatus{Phase: core.PodPending},
			}
			Expect(st.Create(pod)).To(Succeed())
			Expect(k.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			Expect(st.Delete(core.KindPod, "default", "web")).To(Succeed())
			Expect(k.reconcile(ctx, controller.Key{Namespace: "default", Name: "web"})).To(Succeed())

			_, err := st.Get(core.KindPod, "default", "web")
			Expect(err).To(HaveOccurred(), "expected the pod to be fully removed once the finalizer drained")
			containers, err := rt.ListContainers(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(containers).To(BeEmpty())
		})
	})
})
