// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/controller"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/store"
)

func newBinder(st *store.Store) *Binder {
	return New(st, logr.Discard(), events.NewRecorder(st))
}

// fakeProvider is a StorageProvider test double that records calls
// without touching the filesystem.
type fakeProvider struct {
	provisioned []string
	deleted     []string
	recycled    []string
}

func (f *fakeProvider) Provision(ctx context.Context, spec ProvisionSpec) (ProvisionedVolume, error) {
	id := "vol-" + spec.Name
	f.provisioned = append(f.provisioned, id)
	return ProvisionedVolume{
		ID:     id,
		Source: core.VolumeSource{Kind: core.VolumeSourceHostPath, HostPath: &core.HostPathVolumeSource{Path: "/tmp/" + id}},
	}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, volumeID string) error {
	f.deleted = append(f.deleted, volumeID)
	return nil
}

func (f *fakeProvider) Recycle(ctx context.Context, volumeID string) error {
	f.recycled = append(f.recycled, volumeID)
	return nil
}

var _ StorageProvider = (*fakeProvider)(nil)

var _ = Describe("Binder", func() {
	var (
		st  *store.Store
		b   *Binder
		ctx context.Context
	)

	BeforeEach(func() {
		st = store.New(0)
		b = newBinder(st)
		ctx = context.Background()
	})

	Describe("binding to an existing volume", func() {
		It("binds the claim to a matching Available volume", func() {
			pv := &core.PersistentVolume{
				ObjectMeta: core.ObjectMeta{Name: "pv-1"},
				Spec: core.PersistentVolumeSpec{
					Capacity:     core.MustQuantity("10Gi"),
					AccessModes:  []core.AccessMode{core.AccessReadWriteOnce},
					StorageClass: "standard",
				},
				Status: core.PersistentVolumeStatus{Phase: core.VolumeAvailable},
			}
			Expect(st.Create(pv)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default"},
				Spec: core.PersistentVolumeClaimSpec{
					AccessModes:      []core.AccessMode{core.AccessReadWriteOnce},
					RequestedStorage: core.MustQuantity("5Gi"),
					StorageClassName: "standard",
				},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())

			gotPVC, err := st.Get(core.KindPersistentVolumeClaim, "default", "claim")
			Expect(err).NotTo(HaveOccurred())
			Expect(gotPVC.(*core.PersistentVolumeClaim).Status.Phase).To(Equal(core.ClaimBound))

			gotPV, err := st.Get(core.KindPersistentVolume, "", "pv-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(gotPV.(*core.PersistentVolume).Status.Phase).To(Equal(core.VolumeBound))
		})

		It("skips a volume with too little capacity", func() {
			small := &core.PersistentVolume{
				ObjectMeta: core.ObjectMeta{Name: "pv-small"},
				Spec: core.PersistentVolumeSpec{
					Capacity:     core.MustQuantity("1Gi"),
					AccessModes:  []core.AccessMode{core.AccessReadWriteOnce},
					StorageClass: "standard",
				},
				Status: core.PersistentVolumeStatus{Phase: core.VolumeAvailable},
			}
			Expect(st.Create(small)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default"},
				Spec: core.PersistentVolumeClaimSpec{
					AccessModes:      []core.AccessMode{core.AccessReadWriteOnce},
					RequestedStorage: core.MustQuantity("5Gi"),
					StorageClassName: "standard",
				},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())

			got, err := st.Get(core.KindPersistentVolumeClaim, "default", "claim")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.PersistentVolumeClaim).Status.Phase).NotTo(Equal(core.ClaimBound))
		})
	})

	Describe("dynamic provisioning", func() {
		var provider *fakeProvider

		BeforeEach(func() {
			provider = &fakeProvider{}
			b.RegisterProvider("fake", provider)
		})

		It("provisions immediately when binding mode is Immediate", func() {
			sc := &core.StorageClass{
				ObjectMeta:        core.ObjectMeta{Name: "standard"},
				Provisioner:       "fake",
				ReclaimPolicy:     core.ReclaimDelete,
				VolumeBindingMode: core.BindImmediate,
			}
			Expect(st.Create(sc)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default"},
				Spec: core.PersistentVolumeClaimSpec{
					AccessModes:      []core.AccessMode{core.AccessReadWriteOnce},
					RequestedStorage: core.MustQuantity("5Gi"),
					StorageClassName: "standard",
				},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())

			Expect(provider.provisioned).To(HaveLen(1))

			got, err := st.Get(core.KindPersistentVolumeClaim, "default", "claim")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.(*core.PersistentVolumeClaim).Status.Phase).To(Equal(core.ClaimBound))
		})

		It("waits for a consumer pod under WaitForFirstConsumer", func() {
			sc := &core.StorageClass{
				ObjectMeta:        core.ObjectMeta{Name: "wffc"},
				Provisioner:       "fake",
				ReclaimPolicy:     core.ReclaimDelete,
				VolumeBindingMode: core.BindWaitForFirstConsumer,
			}
			Expect(st.Create(sc)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default"},
				Spec: core.PersistentVolumeClaimSpec{
					AccessModes:      []core.AccessMode{core.AccessReadWriteOnce},
					RequestedStorage: core.MustQuantity("5Gi"),
					StorageClassName: "wffc",
				},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())
			Expect(provider.provisioned).To(BeEmpty(), "expected no provisioning before a consumer pod exists")

			claimName := "claim"
			pod := &core.Pod{
				ObjectMeta: core.ObjectMeta{Name: "consumer", Namespace: "default"},
				Spec:       core.PodSpec{Volumes: []core.PodVolume{{Name: "data", PersistentVolumeClaim: &claimName}}},
			}
			Expect(st.Create(pod)).To(Succeed())

			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())
			Expect(provider.provisioned).To(HaveLen(1), "expected provisioning once a consumer pod references the claim")
		})
	})

	Describe("reclaim on release", func() {
		var provider *fakeProvider

		BeforeEach(func() {
			provider = &fakeProvider{}
			b.RegisterProvider("fake", provider)
		})

		It("deletes the volume through the provider under Delete policy", func() {
			sc := &core.StorageClass{
				ObjectMeta:        core.ObjectMeta{Name: "standard"},
				Provisioner:       "fake",
				ReclaimPolicy:     core.ReclaimDelete,
				VolumeBindingMode: core.BindImmediate,
			}
			Expect(st.Create(sc)).To(Succeed())

			pv := &core.PersistentVolume{
				ObjectMeta: core.ObjectMeta{Name: "pv-1"},
				Spec: core.PersistentVolumeSpec{
					Capacity:      core.MustQuantity("5Gi"),
					AccessModes:   []core.AccessMode{core.AccessReadWriteOnce},
					StorageClass:  "standard",
					ReclaimPolicy: core.ReclaimDelete,
				},
				Status: core.PersistentVolumeStatus{
					Phase:    core.VolumeBound,
					ClaimRef: &core.ClaimRef{Namespace: "default", Name: "claim"},
				},
			}
			Expect(st.Create(pv)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default", Finalizers: []string{"control-plane/volume-protection"}},
				Spec:       core.PersistentVolumeClaimSpec{StorageClassName: "standard", VolumeName: "pv-1"},
				Status:     core.PersistentVolumeClaimStatus{Phase: core.ClaimBound},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(st.Delete(core.KindPersistentVolumeClaim, "default", "claim")).To(Succeed())
			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())

			_, err := st.Get(core.KindPersistentVolume, "", "pv-1")
			Expect(err).To(HaveOccurred(), "expected the Delete-reclaimed volume to have been removed")
			Expect(provider.deleted).To(Equal([]string{"pv-1"}))
		})

		It("clears the volume for reuse under Recycle policy", func() {
			sc := &core.StorageClass{
				ObjectMeta:        core.ObjectMeta{Name: "standard"},
				Provisioner:       "fake",
				ReclaimPolicy:     core.ReclaimRecycle,
				VolumeBindingMode: core.BindImmediate,
			}
			Expect(st.Create(sc)).To(Succeed())

			pv := &core.PersistentVolume{
				ObjectMeta: core.ObjectMeta{Name: "pv-1"},
				Spec: core.PersistentVolumeSpec{
					Capacity:      core.MustQuantity("5Gi"),
					AccessModes:   []core.AccessMode{core.AccessReadWriteOnce},
					StorageClass:  "standard",
					ReclaimPolicy: core.ReclaimRecycle,
				},
				Status: core.PersistentVolumeStatus{
					Phase:    core.VolumeBound,
					ClaimRef: &core.ClaimRef{Namespace: "default", Name: "claim"},
				},
			}
			Expect(st.Create(pv)).To(Succeed())

			pvc := &core.PersistentVolumeClaim{
				ObjectMeta: core.ObjectMeta{Name: "claim", Namespace: "default", Finalizers: []string{"control-plane/volume-protection"}},
				Spec:       core.PersistentVolumeClaimSpec{StorageClassName: "standard", VolumeName: "pv-1"},
				Status:     core.PersistentVolumeClaimStatus{Phase: core.ClaimBound},
			}
			Expect(st.Create(pvc)).To(Succeed())

			Expect(st.Delete(core.KindPersistentVolumeClaim, "default", "claim")).To(Succeed())
			Expect(b.reconcile(ctx, controller.Key{Namespace: "default", Name: "claim"})).To(Succeed())

			got, err := st.Get(core.KindPersistentVolume, "", "pv-1")
			Expect(err).NotTo(HaveOccurred(), "expected the recycled volume to still exist")
			recycled := got.(*core.PersistentVolume)
			Expect(recycled.Status.Phase).To(Equal(core.VolumeAvailable))
			Expect(recycled.Status.ClaimRef).To(BeNil())
			Expect(provider.recycled).To(HaveLen(1))
		})
	})
})
