package parallel

import (
	"context"

	"github.com/ethan626/tnt/backends"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidStrategy marks errors caused by an unknown strategy name or an invalid
	// strategy field value.
	ErrInvalidStrategy = errors.New("invalid strategy")

	// ErrIncompatibleOptions marks errors caused by a combination of preparation options
	// that cannot work together. They are reported before any wrapping happens.
	ErrIncompatibleOptions = errors.New("incompatible preparation options")

	// ErrUnsupportedProtocol is distributed.ErrUnsupportedProtocol: the process group
	// negotiated a protocol version too old for the requested strategy.
	ErrUnsupportedProtocol = distributed.ErrUnsupportedProtocol
)

// Option configures Prepare.
type Option func(*prepareConfig)

type prepareConfig struct {
	strategy     Strategy
	strategyName string
	hasName      bool
	compile      *CompileParams
	swa          *SWAParams
	group        *distributed.ProcessGroup
}

// WithStrategy selects the parallelization strategy. Nil (the default) leaves the module
// unwrapped.
func WithStrategy(s Strategy) Option {
	return func(cfg *prepareConfig) { cfg.strategy = s }
}

// WithStrategyName selects the strategy by its short name, resolved with ParseStrategy.
func WithStrategyName(name string) Option {
	return func(cfg *prepareConfig) { cfg.strategyName = name; cfg.hasName = true }
}

// WithCompile adds a compilation step after wrapping. Nil params disable it.
func WithCompile(params *CompileParams) Option {
	return func(cfg *prepareConfig) { cfg.compile = params }
}

// WithSWA attaches stochastic weight averaging to the prepared module.
// Nil params disable it. Averaging is not supported with FSDPStrategy.
func WithSWA(params *SWAParams) Option {
	return func(cfg *prepareConfig) { cfg.swa = params }
}

// WithProcessGroup sets the process group for the distributed strategies. By default
// Prepare uses the package default group when one was initialized.
func WithProcessGroup(g *distributed.ProcessGroup) Option {
	return func(cfg *prepareConfig) { cfg.group = g }
}

// Prepare readies m for training on device: it resolves and validates the requested
// strategy, compile and averaging options, and only once the combination is known to be
// valid wraps the module accordingly. With no strategy (and no compile params) the module
// is returned unchanged.
//
// The returned module exposes its wrapper type (*DistributedDataParallel,
// *FullyShardedDataParallel, *Compiled) for callers that drive gradient reduction or
// weight averaging directly.
func Prepare(ctx context.Context, m module.Module, device distributed.Device, opts ...Option) (module.Module, error) {
	if m == nil {
		return nil, errors.New("Prepare: a module is required")
	}
	var cfg prepareConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.hasName {
		if cfg.strategy != nil {
			return nil, errors.Wrap(ErrIncompatibleOptions, "use WithStrategy or WithStrategyName, not both")
		}
		strategy, err := ParseStrategy(cfg.strategyName)
		if err != nil {
			return nil, err
		}
		cfg.strategy = strategy
	}

	// Option-combination checks, before any wrapping side effect.
	switch s := cfg.strategy.(type) {
	case FSDPStrategy:
		if cfg.swa != nil {
			return nil, errors.Wrap(ErrIncompatibleOptions,
				"stochastic weight averaging is currently not supported with the FSDP strategy")
		}
		if cfg.compile != nil && !s.UseOrigParams {
			return nil, errors.Wrap(ErrIncompatibleOptions,
				"graph compilation requires FSDPStrategy.UseOrigParams to be true")
		}
	case DDPStrategy:
		if cfg.compile != nil && s.StaticGraph {
			return nil, errors.Wrap(ErrIncompatibleOptions,
				"graph compilation requires DDPStrategy.StaticGraph to be false")
		}
	}

	// Resolve the compile backend up front so an unknown name or a missing capability is
	// reported before wrapping.
	var backend backends.Backend
	if cfg.compile != nil {
		var err error
		backend, err = resolveBackend(cfg.compile, device)
		if err != nil {
			return nil, err
		}
		caps := backend.Capabilities()
		if !caps.Training {
			return nil, errors.Wrapf(ErrIncompatibleOptions,
				"compile backend %q does not support training", backend.Name())
		}
		if _, sharded := cfg.strategy.(FSDPStrategy); sharded && !caps.ShardedParameters {
			return nil, errors.Wrapf(ErrIncompatibleOptions,
				"compile backend %q does not support sharded parameters, required by the FSDP strategy",
				backend.Name())
		}
	}

	group := cfg.group
	if group == nil && cfg.strategy != nil {
		var err error
		group, err = distributed.Default()
		if err != nil {
			return nil, errors.WithMessagef(err,
				"the %q strategy needs a process group, pass WithProcessGroup or call distributed.InitFromEnv",
				cfg.strategy.strategyName())
		}
	}

	prepared := m
	var ddp *DistributedDataParallel
	switch s := cfg.strategy.(type) {
	case nil:
	case DDPStrategy:
		wrapped, err := PrepareDataParallel(ctx, m, group, s)
		if err != nil {
			return nil, err
		}
		ddp, prepared = wrapped, wrapped
	case FSDPStrategy:
		wrapped, err := PrepareSharded(ctx, m, group, s)
		if err != nil {
			return nil, err
		}
		prepared = wrapped
	default:
		return nil, errors.Wrapf(ErrInvalidStrategy, "unknown strategy type %T", s)
	}

	if backend != nil {
		compiled, err := compileModule(backend, prepared)
		if err != nil {
			return nil, err
		}
		prepared = compiled
	}

	if cfg.swa != nil && ddp != nil {
		ddp.attachSWA(cfg.swa)
	}
	klog.V(1).Infof("prepared module %q on device %s: strategy=%v compile=%v swa=%v",
		m.Name(), device, cfg.strategy != nil, cfg.compile != nil, cfg.swa != nil)
	return prepared, nil
}

// IsSharded reports whether m is a sharded wrapper, or a compiled module around one.
func IsSharded(m module.Module) bool {
	for {
		switch v := m.(type) {
		case *FullyShardedDataParallel:
			return true
		case *Compiled:
			m = v.Module()
		default:
			return false
		}
	}
}

// AsDataParallel returns the data-parallel wrapper inside m, unwrapping compiled modules,
// or false when m is not data-parallel.
func AsDataParallel(m module.Module) (*DistributedDataParallel, bool) {
	for {
		switch v := m.(type) {
		case *DistributedDataParallel:
			return v, true
		case *Compiled:
			m = v.Module()
		default:
			return nil, false
		}
	}
}

// AsSharded returns the sharded wrapper inside m, unwrapping compiled modules, or false
// when m is not sharded.
func AsSharded(m module.Module) (*FullyShardedDataParallel, bool) {
	for {
		switch v := m.(type) {
		case *FullyShardedDataParallel:
			return v, true
		case *Compiled:
			m = v.Module()
		default:
			return nil, false
		}
	}
}
