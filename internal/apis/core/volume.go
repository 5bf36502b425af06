// SPDX-License-Identifier: Apache-2.0

package core

import "k8s.io/apimachinery/pkg/api/resource"

// AccessMode enumerates how a volume may be mounted.
type AccessMode string

const (
	AccessReadWriteOnce       AccessMode = "RWO"
	AccessReadOnlyMany        AccessMode = "ROX"
	AccessReadWriteMany       AccessMode = "RWX"
	AccessReadWriteOncePod    AccessMode = "RWOP"
)

// ContainsAllAccessModes reports whether every mode in required is present in modes.
func ContainsAllAccessModes(modes, required []AccessMode) bool {
	set := make(map[AccessMode]bool, len(modes))
	for _, m := range modes {
		set[m] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// ReclaimPolicy governs what happens to a PV when its claim is released.
type ReclaimPolicy string

const (
	ReclaimRetain ReclaimPolicy = "Retain"
	ReclaimRecycle ReclaimPolicy = "Recycle"
	ReclaimDelete ReclaimPolicy = "Delete"
)

// VolumeBindingMode controls when dynamic provisioning/binding happens.
type VolumeBindingMode string

const (
	BindImmediate            VolumeBindingMode = "Immediate"
	BindWaitForFirstConsumer VolumeBindingMode = "WaitForFirstConsumer"
)

// VolumeSourceKind discriminates the VolumeSource variant.
type VolumeSourceKind string

const (
	VolumeSourceLocal    VolumeSourceKind = "Local"
	VolumeSourceHostPath VolumeSourceKind = "HostPath"
	VolumeSourceNFS      VolumeSourceKind = "NFS"
	VolumeSourceCloudDisk VolumeSourceKind = "CloudDisk"
	VolumeSourceEmptyDir VolumeSourceKind = "EmptyDir"
)

// VolumeSource is a tagged union over the supported backing stores.
// Exactly one of the Local/HostPath/NFS/CloudDisk fields is populated
// for a kind other than EmptyDir, which carries no payload.
type VolumeSource struct {
	Kind     VolumeSourceKind  `json:"kind"`
	Local    *LocalVolumeSource    `json:"local,omitempty"`
	HostPath *HostPathVolumeSource `json:"hostPath,omitempty"`
	NFS      *NFSVolumeSource      `json:"nfs,omitempty"`
	CloudDisk *CloudDiskVolumeSource `json:"cloudDisk,omitempty"`
}

type LocalVolumeSource struct {
	Path string `json:"path"`
}

type HostPathVolumeSource struct {
	Path string `json:"path"`
}

type NFSVolumeSource struct {
	Server string `json:"server"`
	Path   string `json:"path"`
}

// CloudDiskVolumeSource is a generic cloud block-storage reference; the
// specific provider is resolved through the StorageProvider interface
// and never appears in this layer.
type CloudDiskVolumeSource struct {
	ProviderID string `json:"providerID"`
	DiskID     string `json:"diskID"`
}

// VolumePhase is the lifecycle state of a PersistentVolume.
type VolumePhase string

const (
	VolumePending   VolumePhase = "Pending"
	VolumeAvailable VolumePhase = "Available"
	VolumeBound     VolumePhase = "Bound"
	VolumeReleased  VolumePhase = "Released"
	VolumeFailed    VolumePhase = "Failed"
)

// PersistentVolumeSpec is the desired state of a PV.
type PersistentVolumeSpec struct {
	Capacity      resource.Quantity `json:"capacity"`
	AccessModes   []AccessMode      `json:"accessModes"`
	ReclaimPolicy ReclaimPolicy     `json:"reclaimPolicy"`
	StorageClass  string            `json:"storageClassName,omitempty"`
	VolumeSource  VolumeSource      `json:"volumeSource"`
}

// ClaimRef is a weak back-reference from a bound PV to its PVC.
type ClaimRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	UID       string `json:"uid"`
}

// PersistentVolumeStatus is the observed state of a PV.
type PersistentVolumeStatus struct {
	Phase    VolumePhase `json:"phase"`
	ClaimRef *ClaimRef   `json:"claimRef,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// PersistentVolume is a cluster-scoped storage resource.
type PersistentVolume struct {
	ObjectMeta
	Spec   PersistentVolumeSpec   `json:"spec"`
	Status PersistentVolumeStatus `json:"status"`
}

func (v *PersistentVolume) GetObjectMeta() *ObjectMeta { return &v.ObjectMeta }
func (v *PersistentVolume) GetKind() Kind              { return KindPersistentVolume }
func (v *PersistentVolume) DeepCopyObject() Object {
	cp := *v
	cp.Labels = copyStringMap(v.Labels)
	cp.Annotations = copyStringMap(v.Annotations)
	cp.Spec.AccessModes = append([]AccessMode(nil), v.Spec.AccessModes...)
	if v.Status.ClaimRef != nil {
		ref := *v.Status.ClaimRef
		cp.Status.ClaimRef = &ref
	}
	return &cp
}

// ClaimPhase is the lifecycle state of a PersistentVolumeClaim.
type ClaimPhase string

const (
	ClaimPending ClaimPhase = "Pending"
	ClaimBound   ClaimPhase = "Bound"
	ClaimLost    ClaimPhase = "Lost"
)

// PersistentVolumeClaimSpec is the desired state of a PVC.
type PersistentVolumeClaimSpec struct {
	AccessModes      []AccessMode      `json:"accessModes"`
	RequestedStorage resource.Quantity `json:"requestedStorage"`
	VolumeName       string            `json:"volumeName,omitempty"`
	StorageClassName string            `json:"storageClassName,omitempty"`
}

// PersistentVolumeClaimStatus is the observed state of a PVC.
type PersistentVolumeClaimStatus struct {
	Phase    ClaimPhase        `json:"phase"`
	Capacity resource.Quantity `json:"capacity,omitempty"`
}

// PersistentVolumeClaim is a request for storage.
type PersistentVolumeClaim struct {
	ObjectMeta
	Spec   PersistentVolumeClaimSpec   `json:"spec"`
	Status PersistentVolumeClaimStatus `json:"status"`
}

func (c *PersistentVolumeClaim) GetObjectMeta() *ObjectMeta { return &c.ObjectMeta }
func (c *PersistentVolumeClaim) GetKind() Kind              { return KindPersistentVolumeClaim }
func (c *PersistentVolumeClaim) DeepCopyObject() Object {
	cp := *c
	cp.Labels = copyStringMap(c.Labels)
	cp.Annotations = copyStringMap(c.Annotations)
	cp.Spec.AccessModes = append([]AccessMode(nil), c.Spec.AccessModes...)
	return &cp
}

// StorageClass describes a class of storage and its provisioner.
type StorageClass struct {
	ObjectMeta
	Provisioner       string            `json:"provisioner"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	ReclaimPolicy     ReclaimPolicy     `json:"reclaimPolicy"`
	VolumeBindingMode VolumeBindingMode `json:"volumeBindingMode"`
}

func (s *StorageClass) GetObjectMeta() *ObjectMeta { return &s.ObjectMeta }
func (s *StorageClass) GetKind() Kind              { return KindStorageClass }
func (s *StorageClass) DeepCopyObject() Object {
	cp := *s
	cp.Labels = copyStringMap(s.Labels)
	cp.Annotations = copyStringMap(s.Annotations)
	cp.Parameters = copyStringMap(s.Parameters)
	return &cp
}
