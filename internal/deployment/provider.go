package deployment

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/schaermu/beam/internal/config"
)

// Limitation is a capability a provider does not have
type Limitation string

// LimitationRemoteCommand marks providers whose targets cannot run commands
const LimitationRemoteCommand Limitation = "remotecommand"

// Target is the read-only view of the deployment a provider works on
type Target struct {
	Server    config.Server
	LocalPath string
	ExtraPath string
	Exclude   []string
}

// Combine appends the extra path, if any, to p
func (t Target) Combine(p string) string {
	if t.ExtraPath == "" {
		return p
	}
	return path.Join(p, t.ExtraPath)
}

// Provider computes and applies change sets between a local path and a target
type Provider interface {
	// Limitations returns the capabilities the provider lacks
	Limitations() []Limitation
	// TargetPath returns the transfer destination, e.g. user@host:/var/www
	TargetPath(t Target) string
	// RemotePath returns the directory on the target
	RemotePath(t Target) string
	// Up pushes the local tree to the target. With dryRun set the change
	// set is computed but nothing is written. A non-nil previous result is
	// applied as-is instead of being recomputed.
	Up(ctx context.Context, t Target, progress ProgressSink, dryRun bool, previous *Result) (*Result, error)
	// Down pulls the target tree into the local path
	Down(ctx context.Context, t Target, progress ProgressSink, dryRun bool, previous *Result) (*Result, error)
}

// Factory builds a provider for a server definition
type Factory func(server config.Server) (Provider, error)

// HasLimitation reports whether p declares the limitation l
func HasLimitation(p Provider, l Limitation) bool {
	for _, pl := range p.Limitations() {
		if pl == l {
			return true
		}
	}
	return false
}

// Registry maps server types to provider factories
type Registry map[string]Factory

// Types returns the registered server types in sorted order
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Factory returns a factory that picks the provider by server type
func (r Registry) Factory() Factory {
	return func(server config.Server) (Provider, error) {
		f, ok := r[server.Type]
		if !ok {
			return nil, fmt.Errorf("no deployment provider for server type %q", server.Type)
		}
		return f(server)
	}
}
