// SPDX-License-Identifier: Apache-2.0

// Command control-plane runs the reconciling core as a single
// process: the Object Store plus every controller
// (Scheduler, HPA/VPA/Cluster Autoscaler, Volume Binder, Service
// Registry, garbage collector) wired together over it. The HTTP API
// and authn/authz layers are separate deployables and are not part of
// this binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/infralink/control-plane/cmd/control-plane/app"
)

func main() {
	if err := app.NewCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
