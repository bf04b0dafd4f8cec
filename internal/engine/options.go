package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/vcs"
)

// Raw option keys
const (
	OptDirection          = "direction"
	OptTarget             = "target"
	OptSrcDir             = "srcdir"
	OptDeploymentProvider = "deploymentprovider"
	OptBranch             = "branch"
	OptPath               = "path"
	OptDryRun             = "dryrun"
	OptWorkingCopy        = "workingcopy"
	OptCommandTags        = "command-tags"
	OptVcsProvider        = "vcsprovider"
)

// Direction is the way files travel
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Directions lists the valid directions
var Directions = []Direction{DirectionUp, DirectionDown}

// RawOptions is the unvalidated option input of an engine
type RawOptions map[string]any

// clone returns a shallow copy of r
func (r RawOptions) clone() RawOptions {
	out := make(RawOptions, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Options are the resolved options an engine works with
type Options struct {
	Direction   Direction
	Target      string
	SrcDir      string
	Branch      string
	Path        string
	DryRun      bool
	WorkingCopy bool
	CommandTags []string
	VCS         vcs.Provider
	Deployment  deployment.Provider
}

// value returns the resolved option stored under key
func (o Options) value(key string) (any, bool) {
	switch key {
	case OptDirection:
		return o.Direction, true
	case OptTarget:
		return o.Target, true
	case OptSrcDir:
		return o.SrcDir, true
	case OptDeploymentProvider:
		return o.Deployment, true
	case OptBranch:
		return o.Branch, true
	case OptPath:
		return o.Path, true
	case OptDryRun:
		return o.DryRun, true
	case OptWorkingCopy:
		return o.WorkingCopy, true
	case OptCommandTags:
		return append([]string(nil), o.CommandTags...), true
	case OptVcsProvider:
		return o.VCS, true
	}
	return nil, false
}

// optionSpec describes how one raw option is checked and applied. Specs run
// in table order, so later options may depend on earlier ones.
type optionSpec struct {
	key      string
	required bool
	apply    func(o *Options, cfg *config.Config, v any) error
	fallback func(o *Options, cfg *config.Config) error
}

var optionSchema = []optionSpec{
	{
		key:      OptDirection,
		required: true,
		apply: func(o *Options, _ *config.Config, v any) error {
			s, err := typed[string](OptDirection, v)
			if err != nil {
				return err
			}
			d := Direction(strings.TrimSpace(s))
			if err := config.OneOf(OptDirection, d, Directions); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidOption, err)
			}
			o.Direction = d
			return nil
		},
	},
	{
		key:      OptTarget,
		required: true,
		apply: func(o *Options, cfg *config.Config, v any) error {
			s, err := typed[string](OptTarget, v)
			if err != nil {
				return err
			}
			if err := config.OneOf(OptTarget, s, cfg.ServerIDs()); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidOption, err)
			}
			o.Target = s
			return nil
		},
	},
	{
		key:      OptSrcDir,
		required: true,
		apply: func(o *Options, _ *config.Config, v any) error {
			s, err := typed[string](OptSrcDir, v)
			if err != nil {
				return err
			}
			s = trimDir(s)
			if s == "" {
				return fmt.Errorf("%w: %s must not be empty", ErrInvalidOption, OptSrcDir)
			}
			o.SrcDir = s
			return nil
		},
	},
	{
		key: OptBranch,
		apply: func(o *Options, _ *config.Config, v any) error {
			s, err := typed[string](OptBranch, v)
			if err != nil {
				return err
			}
			o.Branch = strings.TrimSpace(s)
			return nil
		},
	},
	{
		key: OptPath,
		apply: func(o *Options, _ *config.Config, v any) error {
			s, err := typed[string](OptPath, v)
			if err != nil {
				return err
			}
			o.Path = strings.Trim(strings.TrimSpace(s), "/")
			return nil
		},
	},
	{
		key: OptDryRun,
		apply: func(o *Options, _ *config.Config, v any) (err error) {
			o.DryRun, err = typed[bool](OptDryRun, v)
			return err
		},
	},
	{
		key: OptWorkingCopy,
		apply: func(o *Options, _ *config.Config, v any) (err error) {
			o.WorkingCopy, err = typed[bool](OptWorkingCopy, v)
			return err
		},
	},
	{
		key: OptCommandTags,
		apply: func(o *Options, _ *config.Config, v any) error {
			tags, err := typed[[]string](OptCommandTags, v)
			if err != nil {
				return err
			}
			o.CommandTags = append([]string(nil), tags...)
			return nil
		},
	},
	{
		key: OptVcsProvider,
		apply: func(o *Options, _ *config.Config, v any) (err error) {
			o.VCS, err = typed[vcs.Provider](OptVcsProvider, v)
			return err
		},
		fallback: func(o *Options, _ *config.Config) error {
			o.VCS = vcs.NewGit(o.SrcDir)
			return nil
		},
	},
	{
		key:      OptDeploymentProvider,
		required: true,
		apply: func(o *Options, cfg *config.Config, v any) error {
			var factory deployment.Factory
			switch p := v.(type) {
			case deployment.Provider:
				o.Deployment = p
				return nil
			case deployment.Factory:
				factory = p
			case func(config.Server) (deployment.Provider, error):
				factory = p
			default:
				return fmt.Errorf("%w: %s must be a deployment provider or factory, got %T", ErrInvalidOption, OptDeploymentProvider, v)
			}
			p, err := factory(cfg.Servers[o.Target])
			if err != nil {
				return fmt.Errorf("%w: failed to create deployment provider: %w", ErrConfiguration, err)
			}
			if p == nil {
				return fmt.Errorf("%w: deployment provider factory returned nil", ErrConfiguration)
			}
			o.Deployment = p
			return nil
		},
	},
}

// resolveOptions validates raw against the option schema and applies
// defaults and normalizers
func resolveOptions(cfg *config.Config, raw RawOptions) (Options, error) {
	known := make(map[string]bool, len(optionSchema))
	for _, spec := range optionSchema {
		known[spec.key] = true
	}
	var unknown []string
	for key := range raw {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, fmt.Errorf("%w: unknown option %q, options are: %s",
			ErrInvalidOption, unknown[0], config.FormatOptions(optionKeys()))
	}

	var o Options
	for _, spec := range optionSchema {
		v, ok := raw[spec.key]
		if !ok || v == nil {
			if spec.required {
				return Options{}, fmt.Errorf("%w: missing required option %q", ErrInvalidOption, spec.key)
			}
			if spec.fallback != nil {
				if err := spec.fallback(&o, cfg); err != nil {
					return Options{}, err
				}
			}
			continue
		}
		if err := spec.apply(&o, cfg, v); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}

func optionKeys() []string {
	keys := make([]string, 0, len(optionSchema))
	for _, spec := range optionSchema {
		keys = append(keys, spec.key)
	}
	return keys
}

// typed asserts the dynamic type of an option value
func typed[T any](key string, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		want := strings.TrimPrefix(fmt.Sprintf("%T", (*T)(nil)), "*")
		return t, fmt.Errorf("%w: %s must be of type %s, got %T", ErrInvalidOption, key, want, v)
	}
	return t, nil
}

// trimDir strips whitespace and trailing separators, keeping a bare root
func trimDir(s string) string {
	s = strings.TrimSpace(s)
	if trimmed := strings.TrimRight(s, "/"); trimmed != "" {
		return trimmed
	}
	return s
}
