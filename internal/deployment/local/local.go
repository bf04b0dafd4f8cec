// Package local deploys into a directory on the same machine. It is used for
// staging trees and for exercising the engine without a remote host.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
)

// Provider syncs a local tree into a local webroot
type Provider struct {
	server config.Server
	logger *slog.Logger
}

// New creates a local provider for server
func New(server config.Server) (deployment.Provider, error) {
	if !filepath.IsAbs(server.Webroot) {
		return nil, fmt.Errorf("local server %s: webroot must be absolute, got %q", server.ID, server.Webroot)
	}
	return &Provider{server: server, logger: slog.Default().With("provider", config.TypeLocal)}, nil
}

// Limitations reports that local targets cannot run target commands
func (p *Provider) Limitations() []deployment.Limitation {
	return []deployment.Limitation{deployment.LimitationRemoteCommand}
}

// TargetPath returns the webroot
func (p *Provider) TargetPath(t deployment.Target) string {
	return t.Server.Webroot
}

// RemotePath returns the webroot
func (p *Provider) RemotePath(t deployment.Target) string {
	return t.Server.Webroot
}

// Up copies the local path into the webroot
func (p *Provider) Up(ctx context.Context, t deployment.Target, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	s := syncer{
		src:     t.Combine(t.LocalPath),
		dst:     t.Combine(t.Server.Webroot),
		update:  deployment.UpdateSent,
		delete:  p.server.Delete,
		exclude: t.Exclude,
		logger:  p.logger,
	}
	return s.run(ctx, progress, dryRun, previous)
}

// Down copies the webroot into the local path
func (p *Provider) Down(ctx context.Context, t deployment.Target, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	s := syncer{
		src:     t.Combine(t.Server.Webroot),
		dst:     t.Combine(t.LocalPath),
		update:  deployment.UpdateReceived,
		delete:  p.server.Delete,
		exclude: t.Exclude,
		logger:  p.logger,
	}
	return s.run(ctx, progress, dryRun, previous)
}

// syncer computes and applies the change set for one direction
type syncer struct {
	src     string
	dst     string
	update  deployment.Update
	delete  bool
	exclude []string
	logger  *slog.Logger
}

func (s syncer) run(ctx context.Context, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	if progress == nil {
		progress = deployment.NopProgress{}
	}

	result := previous
	if result == nil {
		records, err := s.buildPlan()
		if err != nil {
			return nil, fmt.Errorf("failed to build change set: %w", err)
		}
		result, err = deployment.NewResult(records)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("change set", "src", s.src, "dst", s.dst, "changes", result.Len(), "dry_run", dryRun)
	if dryRun {
		return result, nil
	}

	if err := os.MkdirAll(s.dst, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	for i := 0; i < result.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := result.At(i)
		if err := s.apply(rec); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", rec.Filename, err)
		}
		progress.Advance(rec)
	}
	return result, nil
}

// entry is a filesystem object found while walking one side of the sync
type entry struct {
	info fs.FileInfo
	path string
}

// buildPlan computes the records needed to make dst match src.
// Deletions come first, deepest paths first, followed by the source walk order.
func (s syncer) buildPlan() ([]deployment.ChangeRecord, error) {
	srcEntries, err := s.walk(s.src)
	if err != nil {
		return nil, err
	}
	dstEntries, err := s.walk(s.dst)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var records []deployment.ChangeRecord

	if s.delete {
		var gone []string
		for rel := range dstEntries {
			if _, ok := srcEntries[rel]; !ok {
				gone = append(gone, rel)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(gone)))
		for _, rel := range gone {
			rec, err := deployment.NewChangeRecord(displayName(rel, dstEntries[rel].info), fileType(dstEntries[rel].info),
				deployment.UpdateDeleted, deployment.ReasonMissing)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	rels := make([]string, 0, len(srcEntries))
	for rel := range srcEntries {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		src := srcEntries[rel]
		dst, exists := dstEntries[rel]
		rec, changed, err := s.compare(rel, src, dst, exists)
		if err != nil {
			return nil, err
		}
		if changed {
			records = append(records, rec)
		}
	}
	return records, nil
}

// compare decides whether rel differs between both trees
func (s syncer) compare(rel string, src entry, dst entry, exists bool) (deployment.ChangeRecord, bool, error) {
	name := displayName(rel, src.info)
	ft := fileType(src.info)

	if exists && fileType(dst.info) != ft {
		// Type changed: rsync reports the replacement as a new entry
		exists = false
	}

	if !exists {
		update := s.update
		if ft != deployment.FileTypeFile {
			update = deployment.UpdateCreated
		}
		rec, err := deployment.NewChangeRecord(name, ft, update, deployment.ReasonNew)
		return rec, true, err
	}

	var reasons []deployment.Reason
	update := s.update

	switch ft {
	case deployment.FileTypeFile:
		if src.info.Size() != dst.info.Size() {
			reasons = append(reasons, deployment.ReasonSize)
		} else {
			srcHash, err := fileHash(src.path)
			if err != nil {
				return deployment.ChangeRecord{}, false, err
			}
			dstHash, err := fileHash(dst.path)
			if err != nil {
				return deployment.ChangeRecord{}, false, err
			}
			if srcHash != dstHash {
				reasons = append(reasons, deployment.ReasonChecksum)
			}
		}
	case deployment.FileTypeSymlink:
		srcLink, err := os.Readlink(src.path)
		if err != nil {
			return deployment.ChangeRecord{}, false, err
		}
		dstLink, err := os.Readlink(dst.path)
		if err != nil {
			return deployment.ChangeRecord{}, false, err
		}
		if srcLink != dstLink {
			update = deployment.UpdateCreated
			reasons = append(reasons, deployment.ReasonChecksum)
		}
	}

	if len(reasons) == 0 && ft != deployment.FileTypeSymlink && src.info.Mode().Perm() != dst.info.Mode().Perm() {
		update = deployment.UpdateAttributes
		reasons = append(reasons, deployment.ReasonPermissions)
	}

	if len(reasons) == 0 {
		return deployment.ChangeRecord{}, false, nil
	}
	rec, err := deployment.NewChangeRecord(name, ft, update, reasons...)
	return rec, true, err
}

// walk lists every entry below root keyed by slash-separated relative path
func (s syncer) walk(root string) (map[string]entry, error) {
	entries := make(map[string]entry)
	if _, err := os.Stat(root); err != nil {
		return entries, err
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries[rel] = entry{info: info, path: path}
		return nil
	})
	return entries, err
}

// excluded matches rel against the exclude patterns, either on the whole
// relative path or on any single path element.
func (s syncer) excluded(rel string) bool {
	for _, pattern := range s.exclude {
		pattern = strings.Trim(pattern, "/")
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, part := range strings.Split(rel, "/") {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// apply makes a single record true in dst
func (s syncer) apply(rec deployment.ChangeRecord) error {
	rel := strings.TrimSuffix(rec.Filename, "/")
	src := filepath.Join(s.src, filepath.FromSlash(rel))
	dst := filepath.Join(s.dst, filepath.FromSlash(rel))

	s.logger.Debug("applying change", "file", rec.Filename, "update", rec.Update)

	if rec.Update == deployment.UpdateDeleted {
		if err := os.RemoveAll(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if dstInfo, err := os.Lstat(dst); err == nil && fileType(dstInfo) != fileType(info) {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}

	switch fileType(info) {
	case deployment.FileTypeDirectory:
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		return os.Chmod(dst, info.Mode().Perm())
	case deployment.FileTypeSymlink:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case deployment.FileTypeFile:
		if rec.Update == deployment.UpdateAttributes {
			return os.Chmod(dst, info.Mode().Perm())
		}
		return copyFile(src, dst)
	default:
		return fmt.Errorf("unsupported file type %s", fileType(info))
	}
}

func displayName(rel string, info fs.FileInfo) string {
	if info.IsDir() {
		return rel + "/"
	}
	return rel
}

func fileType(info fs.FileInfo) deployment.FileType {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return deployment.FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return deployment.FileTypeSymlink
	case mode&fs.ModeDevice != 0:
		return deployment.FileTypeDevice
	case mode.IsRegular():
		return deployment.FileTypeFile
	default:
		return deployment.FileTypeSpecial
	}
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".beam-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// fileHash computes SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
