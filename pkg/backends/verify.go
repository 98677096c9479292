package backends

import (
	"context"
	"fmt"

	"github.com/tengil/tengil/pkg/engine"
)

// verifyingDriver re-queries the host after a failed Create. pct sometimes
// exits non-zero after the container was written (hook scripts, template
// post-processing), and a second create would then fail on the existing id.
type verifyingDriver struct {
	engine.ContainerDriver
}

// VerifyAfterFailure wraps driver so that a failed Create whose container
// nevertheless exists is reported as a success with a note.
func VerifyAfterFailure(driver engine.ContainerDriver) engine.ContainerDriver {
	if _, ok := driver.(*verifyingDriver); ok {
		return driver
	}
	return &verifyingDriver{ContainerDriver: driver}
}

func (d *verifyingDriver) Create(ctx context.Context, spec *engine.Container) (engine.Result, error) {
	res, err := d.ContainerDriver.Create(ctx, spec)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, err
	}

	exists, verr := d.ContainerDriver.Exists(ctx, spec.ID)
	if verr != nil || !exists {
		return res, err
	}
	return engine.Result{
		Changed: true,
		Note:    fmt.Sprintf("create reported failure but container %d exists: %v", spec.ID, err),
	}, nil
}
