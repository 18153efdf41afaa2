// Package selfupdate implements the nine-action self-update protocol: a
// dual live/backup write path, a git-backed persistent history with
// semantic-version bumps and changelog entries, and the commit/push/revert/
// redeploy cycle that lets a running process rewrite and roll back its own
// source tree.
package selfupdate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/tools"
)

const (
	versionFile   = "VERSION"
	changelogFile = "CHANGELOG.md"
	maxReadBytes  = 50000
	gitTimeout    = 30 * time.Second
)

// forbiddenSuffixes names the files the self-update path can never touch,
// live or backup — rule 4 ("no modification of the safety-rules data or
// logger implementation").
var forbiddenSuffixes = []string{
	filepath.Join("internal", "safety", "rules.go"),
	filepath.Join("internal", "safety", "validator.go"),
	filepath.Join("internal", "blob", "blob.go"),
}

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(.*)$`)

// Updater implements tools.SelfUpdater against a live working tree and a
// git-backed persistent backup, satisfying compile-time assertion below.
type Updater struct {
	liveRoot   string
	backupRoot string
	remoteURL  string
	gitName    string
	gitEmail   string

	// RequireAuthForNewRemote is consulted by Push when the backup repository
	// has no remote yet (rule 9): a false return refuses the push, and a nil
	// callback lets it proceed.
	RequireAuthForNewRemote func(remote string) bool

	blobLog *blob.Log
	log     zerolog.Logger
}

var _ tools.SelfUpdater = (*Updater)(nil)

func New(cfg config.SelfUpdateConfig, blobLog *blob.Log, log zerolog.Logger) *Updater {
	return &Updater{
		liveRoot:   cfg.LiveRoot,
		backupRoot: cfg.BackupRoot,
		remoteURL:  cfg.RemoteURL,
		gitName:    cfg.GitUserName,
		gitEmail:   cfg.GitUserEmail,
		blobLog:    blobLog,
		log:        log,
	}
}

// backupPath maps a live-tree-relative path to its counterpart under the
// persistent backup root.
func (u *Updater) backupPath(relPath string) string {
	return filepath.Join(u.backupRoot, relPath)
}

func (u *Updater) livePath(relPath string) string {
	return filepath.Join(u.liveRoot, relPath)
}

// validatePath rejects anything outside the live tree or matching a
// forbidden suffix, checked against the cleaned relative form so
// "../"-escapes and absolute paths are both caught.
func validatePath(relPath string) (string, error) {
	clean := filepath.Clean("/" + relPath)
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	for _, forbidden := range forbiddenSuffixes {
		if clean == forbidden || strings.HasPrefix(clean, forbidden+string(filepath.Separator)) {
			return "", fmt.Errorf("cannot modify protected file: %s (immutable safety/logging)", relPath)
		}
	}
	return clean, nil
}

func (u *Updater) Read(path string) tools.Result {
	clean, err := validatePath(path)
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	content, err := os.ReadFile(u.livePath(clean))
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Result{Success: false, Error: fmt.Sprintf("file not found: %s", path)}
		}
		return tools.Result{Success: false, Error: err.Error()}
	}
	out := string(content)
	if len(out) > maxReadBytes {
		out = out[:maxReadBytes] + "\n[...truncated...]"
	}
	return tools.Result{Success: true, Output: out}
}

func (u *Updater) Write(path, content string) tools.Result {
	clean, err := validatePath(path)
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	live := u.livePath(clean)
	old, _ := os.ReadFile(live)

	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(live, []byte(content), 0o644); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}

	backup := u.backupPath(clean)
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(backup, []byte(content), 0o644); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}

	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventSelfModification,
			fmt.Sprintf("Modified: %s\nOld size: %d -> New size: %d", clean, len(old), len(content)),
			map[string]any{"file": clean, "old_size": len(old), "new_size": len(content)},
		)
	}
	u.log.Info().Str("path", clean).Int("old_size", len(old)).Int("new_size", len(content)).Msg("self modify write")
	return tools.Result{Success: true, Output: fmt.Sprintf("written %d bytes to %s (backed up)", len(content), clean)}
}

func (u *Updater) List(path string) tools.Result {
	clean, err := validatePath(path)
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	entries, err := os.ReadDir(u.livePath(clean))
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	if len(entries) == 0 {
		return tools.Result{Success: true, Output: "(empty)"}
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, fmt.Sprintf("[DIR]  %s/", e.Name()))
			continue
		}
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("%8dB  %s", size, e.Name()))
	}
	return tools.Result{Success: true, Output: strings.Join(lines, "\n")}
}

func (u *Updater) Diff() tools.Result {
	if !u.isGitRepo() {
		return tools.Result{Success: true, Output: "(no git repo in backup)"}
	}
	out, err := u.runGit(context.Background(), "diff", "--stat")
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if strings.TrimSpace(out) == "" {
		out, err = u.runGit(context.Background(), "status", "--short")
		if err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
	}
	if strings.TrimSpace(out) == "" {
		out = "(no changes)"
	}
	return tools.Result{Success: true, Output: strings.TrimSpace(out)}
}

func (u *Updater) Log() tools.Result {
	if !u.isGitRepo() {
		return tools.Result{Success: true, Output: "(no commits)"}
	}
	out, err := u.runGit(context.Background(), "log", "--oneline", "--graph", "-20")
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if strings.TrimSpace(out) == "" {
		out = "(no commits)"
	}
	return tools.Result{Success: true, Output: out}
}

func (u *Updater) Commit(message string) tools.Result {
	if err := os.MkdirAll(u.backupRoot, 0o755); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if !u.isGitRepo() {
		if _, err := u.runGit(context.Background(), "init"); err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
		if _, err := u.runGit(context.Background(), "config", "user.name", u.gitName); err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
		if _, err := u.runGit(context.Background(), "config", "user.email", u.gitEmail); err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
	}

	if err := u.syncTree(u.liveRoot, u.backupRoot); err != nil {
		u.log.Warn().Err(err).Msg("live to backup sync failed before commit")
	}

	if _, err := u.runGit(context.Background(), "add", "-A"); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	filesChanged := u.changedFiles()

	current := u.currentVersion()
	next := bumpPatch(current)
	if err := u.writeVersion(next); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if err := u.appendChangelog(next, message, filesChanged); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}

	for _, f := range []string{versionFile, changelogFile} {
		src := filepath.Join(u.backupRoot, f)
		dst := filepath.Join(u.liveRoot, f)
		if data, err := os.ReadFile(src); err == nil {
			_ = os.MkdirAll(filepath.Dir(dst), 0o755)
			_ = os.WriteFile(dst, data, 0o644)
		}
	}

	if _, err := u.runGit(context.Background(), "add", "-A"); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	commitMsg := fmt.Sprintf("v%s: %s", next, message)
	if len(filesChanged) > 0 {
		shown := filesChanged
		suffix := ""
		if len(shown) > 15 {
			suffix = fmt.Sprintf(" (+%d more)", len(shown)-15)
			shown = shown[:15]
		}
		commitMsg += fmt.Sprintf("\n\nFiles changed: %s%s", strings.Join(shown, ", "), suffix)
	}
	out, err := u.runGit(context.Background(), "commit", "-m", commitMsg)
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}

	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventSelfModificationCommit,
			fmt.Sprintf("v%s: %s\n%s", next, message, out),
			map[string]any{"message": message, "version": next},
		)
	}
	return tools.Result{Success: true, Output: fmt.Sprintf("committed v%s: %s\n%s", next, message, out)}
}

func (u *Updater) Push(remote string) tools.Result {
	if !u.isGitRepo() {
		return tools.Result{Success: false, Error: "no git repo in backup"}
	}
	remotes, err := u.runGit(context.Background(), "remote", "-v")
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	target := remote
	if target == "" {
		target = u.remoteURL
	}

	if strings.TrimSpace(remotes) == "" {
		if target == "" {
			return tools.Result{Success: false, Error: "no remote configured; pass remote= or set a remote URL in configuration"}
		}
		if u.RequireAuthForNewRemote != nil && !u.RequireAuthForNewRemote(target) {
			return tools.Result{Success: false, Error: "pushing to a new remote requires creator authorization"}
		}
		if _, err := u.runGit(context.Background(), "remote", "add", "origin", target); err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
	} else if remote != "" {
		if _, err := u.runGit(context.Background(), "remote", "set-url", "origin", remote); err != nil {
			return tools.Result{Success: false, Error: err.Error()}
		}
	}

	out, _ := u.runGit(context.Background(), "push", "-u", "origin", "HEAD:main")
	lower := strings.ToLower(out)
	if strings.Contains(lower, "rejected") || strings.Contains(lower, "non-fast-forward") || strings.Contains(lower, "fetch first") {
		u.log.Info().Str("output", truncate(out, 200)).Msg("git push rejected, attempting rebase")
		_, _ = u.runGit(context.Background(), "checkout", "-B", "main")
		_, _ = u.runGit(context.Background(), "fetch", "origin", "main")
		rebaseOut, _ := u.runGit(context.Background(), "rebase", "origin/main")
		if strings.Contains(strings.ToLower(rebaseOut), "conflict") {
			_, _ = u.runGit(context.Background(), "rebase", "--abort")
			u.log.Warn().Msg("git rebase conflict, force pushing")
			out, _ = u.runGit(context.Background(), "push", "-u", "origin", "HEAD:main", "--force")
		} else {
			out, _ = u.runGit(context.Background(), "push", "-u", "origin", "HEAD:main")
		}
	}
	if strings.Contains(strings.ToLower(out), "fatal") || strings.Contains(strings.ToLower(out), "error") {
		u.log.Warn().Str("output", truncate(out, 200)).Msg("git push falling back to force")
		out, _ = u.runGit(context.Background(), "push", "-u", "origin", "HEAD:main", "--force")
	}

	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventGitPush, fmt.Sprintf("pushed to remote\n%s", out), map[string]any{"remote": target})
	}
	return tools.Result{Success: true, Output: fmt.Sprintf("push result:\n%s", out)}
}

func (u *Updater) Revert() tools.Result {
	if !u.isGitRepo() {
		return tools.Result{Success: false, Error: "no git repo in backup"}
	}
	current, _ := u.runGit(context.Background(), "log", "--oneline", "-1")
	out, err := u.runGit(context.Background(), "reset", "--hard", "HEAD~1")
	if err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if err := u.syncTreeDelete(u.backupRoot, u.liveRoot); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}
	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventSelfModificationRevert,
			fmt.Sprintf("reverted from: %s\n%s", current, out),
			map[string]any{"reverted_from": strings.TrimSpace(current)},
		)
	}
	return tools.Result{Success: true, Output: fmt.Sprintf("reverted.\nwas: %s\n%s\nlive code updated.", current, out)}
}

func (u *Updater) Redeploy(message string) tools.Result {
	commitRes := u.Commit(message)

	if err := u.syncTreeDelete(u.backupRoot, u.liveRoot); err != nil {
		return tools.Result{Success: false, Error: err.Error()}
	}

	if err := validateGoTree(u.liveRoot); err != nil {
		revertRes := u.Revert()
		return tools.Result{Success: false, Error: fmt.Sprintf("code validation failed, auto-reverted: %s (%s)", err, revertRes.Output)}
	}

	if u.blobLog != nil {
		_ = u.blobLog.Store(blob.EventRedeploy,
			fmt.Sprintf("redeploy: %s\nvalidation passed, requesting restart", message),
			map[string]any{"message": message},
		)
	}
	u.log.Info().Str("message", message).Msg("redeploy validated, requesting restart")
	return tools.Result{Success: true, Output: fmt.Sprintf("redeploy initiated.\n%s\ncode validated. restart requested.", commitRes.Output)}
}

func (u *Updater) isGitRepo() bool {
	info, err := os.Stat(filepath.Join(u.backupRoot, ".git"))
	return err == nil && info.IsDir()
}

func (u *Updater) changedFiles() []string {
	out, err := u.runGit(context.Background(), "diff", "--cached", "--name-only")
	if err == nil && strings.TrimSpace(out) != "" {
		var files []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
		return files
	}
	out, err = u.runGit(context.Background(), "status", "--short")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if len(line) >= 4 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files
}

func (u *Updater) currentVersion() string {
	path := filepath.Join(u.backupRoot, versionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "0.1.0"
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "0.1.0"
	}
	return v
}

func bumpPatch(version string) string {
	m := semverPattern.FindStringSubmatch(version)
	if m == nil {
		return version
	}
	patch, err := strconv.Atoi(m[3])
	if err != nil {
		return version
	}
	return fmt.Sprintf("%s.%s.%d%s", m[1], m[2], patch+1, m[4])
}

func (u *Updater) writeVersion(version string) error {
	path := filepath.Join(u.backupRoot, versionFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(version+"\n"), 0o644)
}

func (u *Updater) appendChangelog(version, message string, filesChanged []string) error {
	path := filepath.Join(u.backupRoot, changelogFile)
	now := time.Now().UTC().Format("2006-01-02")

	sorted := append([]string(nil), filesChanged...)
	sort.Strings(sorted)
	shown := sorted
	suffix := ""
	if len(shown) > 50 {
		suffix = fmt.Sprintf("\n  - ... and %d more", len(shown)-50)
		shown = shown[:50]
	}
	var filesSection strings.Builder
	for _, f := range shown {
		fmt.Fprintf(&filesSection, "  - %s\n", f)
	}

	entry := fmt.Sprintf("\n## [%s] - %s\n\n**Commit:** %s\n\n### Files changed\n%s%s\n", version, now, message, filesSection.String(), suffix)

	existing, err := os.ReadFile(path)
	if err != nil {
		return os.WriteFile(path, []byte("# Changelog\n\nAll notable changes from self-modifications."+entry), 0o644)
	}
	text := string(existing)
	if !strings.Contains(text, "## [") {
		text = "# Changelog\n\nAll notable changes from self-modifications.\n" + text
	}
	return os.WriteFile(path, []byte(strings.TrimRight(text, "\n")+entry), 0o644)
}

// syncTree copies dst := src, overwriting existing files, mirroring the
// rsync -a call the backup commit path uses to catch files touched via
// code_exec or other tools that bypass Write.
func (u *Updater) syncTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(rel, ".git") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// syncTreeDelete mirrors src onto dst and removes dst files that no longer
// exist in src, matching the rsync --delete used by revert and redeploy.
func (u *Updater) syncTreeDelete(src, dst string) error {
	if err := u.syncTree(src, dst); err != nil {
		return err
	}
	present := map[string]bool{}
	_ = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr == nil {
			present[rel] = true
		}
		return nil
	})
	return filepath.Walk(dst, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dst, path)
		if relErr != nil || strings.HasPrefix(rel, ".git") {
			return nil
		}
		if !present[rel] {
			return os.Remove(path)
		}
		return nil
	})
}

func (u *Updater) runGit(ctx context.Context, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(callCtx, "git", args...)
	cmd.Dir = u.backupRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n" + stderr.String()
	}
	if err != nil {
		return strings.TrimSpace(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(out), nil
}

// validateGoTree runs gofmt -l as a parse-only syntax check over every
// live .go file, standing in for the interpreted-language import check the
// pattern is drawn from — a file gofmt cannot parse fails the same way an
// unimportable module would.
func validateGoTree(root string) error {
	cmd := exec.Command("gofmt", "-l", root)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%s", strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
