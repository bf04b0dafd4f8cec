// Package vcs answers branch questions about the source tree and
// materializes a branch into a plain directory for deployment.
package vcs

import "context"

// Provider is the version control contract the engine consumes
type Provider interface {
	// Exists reports whether the source directory is under version control
	Exists(ctx context.Context) bool
	// CurrentBranch returns the checked out branch
	CurrentBranch(ctx context.Context) (string, error)
	// AvailableBranches returns local and remote-tracking branches
	AvailableBranches(ctx context.Context) ([]string, error)
	// IsRemote reports whether branch names a remote-tracking branch
	IsRemote(branch string) bool
	// UpdateBranch refreshes a remote-tracking branch from its remote
	UpdateBranch(ctx context.Context, branch string) error
	// ExportBranch writes the tree of branch into dest, replacing its contents
	ExportBranch(ctx context.Context, branch, dest string) error
	// Log returns a plain-text description of the branch head
	Log(ctx context.Context, branch string) (string, error)
}

// InformationProvider answers history questions used for target status
type InformationProvider interface {
	// BranchesContaining returns the branches whose history contains ref
	BranchesContaining(ctx context.Context, ref string) ([]string, error)
	// Distance returns the number of commits reachable from other but not ref
	Distance(ctx context.Context, ref, other string) (int, error)
}
