package selfupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
)

const (
	imageHashFlag   = ".image_hash"
	needsRevertFlag = ".needs_revert"
	healthyFlag     = ".healthy"
)

// infrastructurePaths are shipped-image files the merge step overwrites
// unconditionally, even over an agent-modified backup copy: build tooling
// and dependency manifests the agent has no business diverging from image
// to image.
var infrastructurePaths = map[string]bool{
	"go.mod": true,
	"go.sum": true,
}

// codeDir is the parent of the backup root, where the boot protocol's flag
// files live alongside it per the persisted layout (code/.image_hash,
// code/.needs_revert, code/.healthy, code/backend/).
func (u *Updater) codeDir() string {
	return filepath.Dir(u.backupRoot)
}

func (u *Updater) flagPath(name string) string {
	return filepath.Join(u.codeDir(), name)
}

func (u *Updater) readFlag(name string) string {
	data, err := os.ReadFile(u.flagPath(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (u *Updater) writeFlag(name, content string) error {
	if err := os.MkdirAll(u.codeDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(u.flagPath(name), []byte(content), 0o644)
}

func (u *Updater) flagExists(name string) bool {
	_, err := os.Stat(u.flagPath(name))
	return err == nil
}

func (u *Updater) clearFlag(name string) {
	_ = os.Remove(u.flagPath(name))
}

// Boot runs the self-update boot protocol against the live and backup
// trees: hash-compare the shipped image against the last-seen hash,
// merge new shipped files into the backup without clobbering agent edits,
// restore backup over live, act on a pending revert flag left by a crash,
// validate the result, and arm a fresh revert flag that a later health
// check clears. Call it once, before the loop starts serving traffic.
func (u *Updater) Boot() error {
	if err := os.MkdirAll(u.codeDir(), 0o755); err != nil {
		return fmt.Errorf("create code dir: %w", err)
	}
	if err := os.MkdirAll(u.backupRoot, 0o755); err != nil {
		return fmt.Errorf("create backup root: %w", err)
	}
	if !u.isGitRepo() {
		if _, err := u.runGit(context.Background(), "init"); err != nil {
			return fmt.Errorf("init backup repo: %w", err)
		}
		if _, err := u.runGit(context.Background(), "config", "user.name", u.gitName); err != nil {
			return fmt.Errorf("configure backup repo: %w", err)
		}
		if _, err := u.runGit(context.Background(), "config", "user.email", u.gitEmail); err != nil {
			return fmt.Errorf("configure backup repo: %w", err)
		}
	}

	shippedHash, err := hashTree(u.liveRoot)
	if err != nil {
		return fmt.Errorf("hash shipped code: %w", err)
	}
	if shippedHash != u.readFlag(imageHashFlag) {
		u.log.Info().Msg("shipped image changed since last boot, merging into backup")
		if err := u.mergeShippedIntoBackup(); err != nil {
			return fmt.Errorf("merge shipped image: %w", err)
		}
		if _, err := u.runGit(context.Background(), "add", "-A"); err != nil {
			return fmt.Errorf("stage image update: %w", err)
		}
		if out, err := u.runGit(context.Background(), "commit", "-m", "image update"); err != nil && !strings.Contains(strings.ToLower(out), "nothing to commit") {
			u.log.Warn().Err(err).Str("output", out).Msg("image update commit produced no new commit")
		}
		if err := u.writeFlag(imageHashFlag, shippedHash); err != nil {
			return fmt.Errorf("write image hash: %w", err)
		}
	}

	if err := u.syncTreeDelete(u.backupRoot, u.liveRoot); err != nil {
		return fmt.Errorf("restore backup to live: %w", err)
	}

	if u.flagExists(needsRevertFlag) {
		u.log.Warn().Msg("revert flag present at boot, rolling back last self-modification")
		if res := u.Revert(); !res.Success {
			return fmt.Errorf("boot revert failed: %s", res.Error)
		}
		u.clearFlag(needsRevertFlag)
	}

	if err := validateGoTree(u.liveRoot); err != nil {
		u.log.Warn().Err(err).Msg("live code failed validation at boot, reverting")
		if res := u.Revert(); !res.Success {
			return fmt.Errorf("boot validation revert failed: %s", res.Error)
		}
		u.clearFlag(needsRevertFlag)
		if u.blobLog != nil {
			_ = u.blobLog.Store(blob.EventBoot, "boot validation failed, reverted to last known-good commit", nil)
		}
		return nil
	}

	if err := u.writeFlag(needsRevertFlag, "1"); err != nil {
		return fmt.Errorf("arm revert flag: %w", err)
	}
	u.clearFlag(healthyFlag)

	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventBoot, "boot protocol complete, revert flag armed", nil)
	}
	return nil
}

// WatchHealth clears the revert flag once the process has run for d without
// its context being cancelled, the boot protocol's health check. A crash
// before this fires leaves the flag set, so the next Boot call rolls the
// pending self-modification back automatically.
func (u *Updater) WatchHealth(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return
	}
	u.clearFlag(needsRevertFlag)
	_ = u.writeFlag(healthyFlag, time.Now().UTC().Format(time.RFC3339))
	u.log.Info().Dur("uptime", d).Msg("self-update health check passed, revert flag cleared")
}

// hashTree fingerprints every .go file under root, skipping dot- and
// underscore-prefixed directories the same way the go tool does, so
// reference material and build caches never affect the shipped-image hash.
func hashTree(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:%d\n", filepath.ToSlash(rel), len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// mergeShippedIntoBackup copies each shipped file into the backup tree
// unless the backup already has a copy and the path isn't in the fixed
// infrastructure set — the "without clobbering agent-modified files"
// clause of the boot protocol's merge step.
func (u *Updater) mergeShippedIntoBackup() error {
	return filepath.WalkDir(u.liveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(u.liveRoot, path)
		if err != nil {
			return err
		}
		if _, verr := validatePath(rel); verr != nil {
			return nil
		}

		backup := u.backupPath(rel)
		_, statErr := os.Stat(backup)
		if statErr == nil && !infrastructurePaths[filepath.ToSlash(rel)] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return err
		}
		return os.WriteFile(backup, data, 0o644)
	})
}
