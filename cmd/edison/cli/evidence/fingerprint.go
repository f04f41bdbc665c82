package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"edison.dev/cli/cmd/edison/cli/gitexec"
)

// snapshotKeyLen is the number of diff-hash hex digits used for snapshot
// directory names.
const snapshotKeyLen = 16

// Fingerprint identifies the working-tree state evidence was captured
// against. DiffHash covers HEAD, both diffs, and the sorted staged,
// modified, and untracked file lists, so any change to the tree produces
// a new snapshot key.
type Fingerprint struct {
	GitHead  string `json:"gitHead"`
	GitDirty bool   `json:"gitDirty"`
	DiffHash string `json:"diffHash"`
}

// Key returns the short snapshot directory key.
func (f Fingerprint) Key() string {
	if len(f.DiffHash) < snapshotKeyLen {
		return f.DiffHash
	}
	return f.DiffHash[:snapshotKeyLen]
}

// ComputeFingerprint hashes the repository state at root, ignoring the
// exclude directories. Edison's own trees must be excluded or writing
// evidence would invalidate the snapshot it belongs to. It fails outside
// a git checkout (or before the first commit); callers then capture
// without snapshot reuse.
func ComputeFingerprint(ctx context.Context, git *gitexec.Runner, root string, exclude []string) (Fingerprint, error) {
	head, err := git.Head(ctx, root)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	spec := excludePathspec(exclude)
	diff, err := git.Git(ctx, root, append([]string{"diff"}, spec...)...)
	if err != nil {
		return Fingerprint{}, err
	}
	diffCached, err := git.Git(ctx, root, append([]string{"diff", "--cached"}, spec...)...)
	if err != nil {
		return Fingerprint{}, err
	}
	staged, modified, untracked, err := changeLists(ctx, git, root, spec)
	if err != nil {
		return Fingerprint{}, err
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{
		head,
		diff,
		diffCached,
		strings.Join(staged, "\n"),
		strings.Join(modified, "\n"),
		strings.Join(untracked, "\n"),
	}, "\n")))

	return Fingerprint{
		GitHead:  head,
		GitDirty: len(staged)+len(modified)+len(untracked) > 0,
		DiffHash: hex.EncodeToString(sum[:]),
	}, nil
}

// ChangedFiles returns the union of staged, modified, and untracked paths
// outside the exclude directories, sorted and de-duplicated. This is the
// change set validation policy resolution classifies.
func ChangedFiles(ctx context.Context, git *gitexec.Runner, root string, exclude []string) ([]string, error) {
	staged, modified, untracked, err := changeLists(ctx, git, root, excludePathspec(exclude))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, list := range [][]string{staged, modified, untracked} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func changeLists(ctx context.Context, git *gitexec.Runner, root string, spec []string) (staged, modified, untracked []string, err error) {
	staged, err = gitLines(ctx, git, root, append([]string{"diff", "--cached", "--name-only"}, spec...)...)
	if err != nil {
		return nil, nil, nil, err
	}
	modified, err = gitLines(ctx, git, root, append([]string{"diff", "--name-only"}, spec...)...)
	if err != nil {
		return nil, nil, nil, err
	}
	untracked, err = gitLines(ctx, git, root, append([]string{"ls-files", "--others", "--exclude-standard"}, spec...)...)
	if err != nil {
		return nil, nil, nil, err
	}
	return staged, modified, untracked, nil
}

func excludePathspec(exclude []string) []string {
	spec := []string{"--", "."}
	for _, dir := range exclude {
		if dir != "" {
			spec = append(spec, ":(exclude)"+strings.TrimSuffix(dir, "/"))
		}
	}
	return spec
}

func gitLines(ctx context.Context, git *gitexec.Runner, root string, args ...string) ([]string, error) {
	out, err := git.Git(ctx, root, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	return lines, nil
}
