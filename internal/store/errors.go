// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/pkg/apierrors"
)

func errBadVersion(v string) error {
	return apierrors.NewBadRequest(fmt.Sprintf("invalid resourceVersion %q", v))
}

func errExpired(kind core.Kind) error {
	return apierrors.NewExpired(fmt.Sprintf("watch history for kind %s no longer covers the requested resourceVersion", kind))
}
