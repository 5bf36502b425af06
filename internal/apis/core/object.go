// SPDX-License-Identifier: Apache-2.0

package core

// Object is implemented by every resource kind stored in the Object
// Store. It is intentionally minimal: the store treats objects as
// opaque blobs addressed by (kind, namespace, name) and only needs
// metadata access and a deep-copy hook to hand out safe snapshots to
// concurrent readers.
type Object interface {
	GetObjectMeta() *ObjectMeta
	GetKind() Kind
	DeepCopyObject() Object
}
