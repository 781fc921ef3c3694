package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is the environment configuration of one training process, following the
// MASTER_ADDR/MASTER_PORT/RANK/WORLD_SIZE convention of the usual launchers.
type Config struct {
	MasterAddr string        `env:"MASTER_ADDR"        envDefault:"127.0.0.1"`
	MasterPort int           `env:"MASTER_PORT"        envDefault:"29500"`
	Rank       int           `env:"RANK"               envDefault:"0"`
	WorldSize  int           `env:"WORLD_SIZE"         envDefault:"1"`
	LocalRank  int           `env:"LOCAL_RANK"         envDefault:"0"`
	Backend    string        `env:"TNT_BACKEND"        envDefault:"go"`
	Algo       Algo          `env:"TNT_ALLREDUCE_ALGO" envDefault:"auto"`
	Timeout    time.Duration `env:"TNT_TIMEOUT"        envDefault:"5m"`

	// Session namespaces the store keys of this run (see WithSession). Empty lets the
	// rendezvous agree on a fresh id; launchers set it so restarts on a reused store
	// cannot collide.
	Session string `env:"TNT_SESSION"`
}

// ParseConfig reads and validates the process configuration from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing distributed configuration from environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the per-field ranges and the cross-field constraints.
func (c *Config) Validate() error {
	if c.WorldSize < 1 {
		return errors.Errorf("WORLD_SIZE must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("RANK must be in [0, %d), got %d", c.WorldSize, c.Rank)
	}
	if c.LocalRank < 0 {
		return errors.Errorf("LOCAL_RANK must be >= 0, got %d", c.LocalRank)
	}
	if c.MasterPort < 1 || c.MasterPort > 65535 {
		return errors.Errorf("MASTER_PORT must be in [1, 65535], got %d", c.MasterPort)
	}
	if c.Timeout <= 0 {
		return errors.Errorf("TNT_TIMEOUT must be positive, got %s", c.Timeout)
	}
	return nil
}

// Device identifies where a rank runs its compute: a compile backend name (see the
// backends package) and an ordinal distinguishing ranks that share a machine.
type Device struct {
	Backend string
	Ordinal int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Backend, d.Ordinal)
}

// InitFromEnv boots the distributed runtime from the environment: it parses Config,
// connects the coordination store (rank 0 hosts a TCPStore on MASTER_ADDR:MASTER_PORT,
// the other ranks connect to it as clients), runs the rendezvous, installs the
// resulting group as the package default, and resolves the device for this rank.
//
// With WORLD_SIZE=1, the default, no sockets are opened and the returned group works
// standalone. The group owns the store: ProcessGroup.Close (or Shutdown) releases both.
func InitFromEnv(ctx context.Context) (*ProcessGroup, Device, error) {
	var device Device
	cfg, err := ParseConfig()
	if err != nil {
		return nil, device, err
	}
	device = Device{Backend: cfg.Backend, Ordinal: cfg.LocalRank}

	var store Store
	if cfg.WorldSize > 1 {
		store, err = NewTCPStore(cfg.MasterAddr, cfg.MasterPort, cfg.Rank == 0, cfg.Timeout)
		if err != nil {
			return nil, device, errors.WithMessagef(err, "connecting the coordination store as rank %d", cfg.Rank)
		}
	} else {
		store = NewHashStore()
	}
	opts := []GroupOption{WithTimeout(cfg.Timeout), WithAllReduceAlgo(cfg.Algo)}
	if cfg.Session != "" {
		opts = append(opts, WithSession(cfg.Session))
	}
	g, err := NewProcessGroup(ctx, store, cfg.Rank, cfg.WorldSize, opts...)
	if err != nil {
		_ = store.Close()
		return nil, device, err
	}
	g.ownsStore = true
	if err := Init(g); err != nil {
		_ = g.Close()
		return nil, device, err
	}
	klog.V(1).Infof("initialized distributed runtime: rank %d of %d, device %s", g.Rank(), g.World(), device)
	return g, device, nil
}
