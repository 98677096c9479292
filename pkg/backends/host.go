package backends

import (
	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// HostConfig configures the backends that act on a host.
type HostConfig struct {
	ZFS ZFSConfig
	PCT PCTConfig
	SMB SMBConfig
	NFS NFSConfig

	// FS is the host filesystem for backends without their own. Nil means
	// the local one.
	FS FileSystem
}

// NewHost wires the ZFS, pct, Samba and NFS backends over runner.
func NewHost(runner Runner, cfg HostConfig, logger *telemetry.Logger) *engine.Backends {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if cfg.FS != nil {
		if cfg.PCT.FS == nil {
			cfg.PCT.FS = cfg.FS
		}
		if cfg.SMB.FS == nil {
			cfg.SMB.FS = cfg.FS
		}
		if cfg.NFS.FS == nil {
			cfg.NFS.FS = cfg.FS
		}
	}
	return &engine.Backends{
		Datasets: NewZFS(runner, cfg.ZFS, logger),
		Containers: map[engine.ContainerKind]engine.ContainerDriver{
			engine.ContainerKindTemplate: VerifyAfterFailure(NewPCT(engine.ContainerKindTemplate, runner, cfg.PCT, logger)),
			engine.ContainerKindImage:    VerifyAfterFailure(NewPCT(engine.ContainerKindImage, runner, cfg.PCT, logger)),
		},
		Mounts: NewPCTMounts(runner, logger),
		Shares: map[engine.ShareProtocol]engine.ShareBackend{
			engine.ShareProtocolSMB: NewSMB(runner, cfg.SMB, logger),
			engine.ShareProtocolNFS: NewNFS(runner, cfg.NFS, logger),
		},
	}
}
