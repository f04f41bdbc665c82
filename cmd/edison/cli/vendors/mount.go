package vendors

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	cp "github.com/otiai10/copy"
)

// Mount modes.
const (
	ModeSymlink = "symlink"
	ModeCopy    = "copy"
)

// Mounter places vendor content into the repository. Sources resolve
// through symlinks and must stay inside the vendor root; targets are
// created under the repo root only, with symlinked parents rejected.
type Mounter struct {
	repoRoot   string
	vendorRoot string
}

// NewMounter returns a mounter bridging one vendor checkout into the repo.
func NewMounter(repoRoot, vendorRoot string) *Mounter {
	return &Mounter{repoRoot: repoRoot, vendorRoot: vendorRoot}
}

// Mount places src (vendor-root relative, "." for the whole tree) at
// target (repo-root relative). An existing target is replaced. In copy
// mode the .git directory of the checkout is skipped.
func (m *Mounter) Mount(src, target, mode string) error {
	if mode == "" {
		mode = ModeSymlink
	}
	if mode != ModeSymlink && mode != ModeCopy {
		return fmt.Errorf("unknown mount mode %q", mode)
	}
	srcAbs, err := m.resolveSource(src)
	if err != nil {
		return err
	}
	targetAbs, err := m.resolveTarget(target)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(targetAbs); err != nil {
		return fmt.Errorf("clearing mount target %s: %w", targetAbs, err)
	}

	if mode == ModeSymlink {
		if err := os.Symlink(srcAbs, targetAbs); err != nil {
			return fmt.Errorf("linking %s: %w", target, err)
		}
		return nil
	}
	opts := cp.Options{
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			return info.IsDir() && filepath.Base(src) == ".git", nil
		},
	}
	if err := cp.Copy(srcAbs, targetAbs, opts); err != nil {
		return fmt.Errorf("copying into %s: %w", target, err)
	}
	return nil
}

// resolveSource maps a vendor-relative path to its real location and
// verifies it, and every symlink under it, stays inside the vendor root.
func (m *Mounter) resolveSource(src string) (string, error) {
	clean := path.Clean(filepath.ToSlash(src))
	if path.IsAbs(clean) || filepath.IsAbs(src) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("mount source %q escapes the vendor root", src)
	}
	vendorReal, err := filepath.EvalSymlinks(m.vendorRoot)
	if err != nil {
		return "", fmt.Errorf("resolving vendor root: %w", err)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(vendorReal, filepath.FromSlash(clean)))
	if err != nil {
		return "", fmt.Errorf("resolving mount source %s: %w", src, err)
	}
	if !within(vendorReal, real) {
		return "", fmt.Errorf("mount source %q escapes the vendor root", src)
	}
	if err := checkTreeSymlinks(real, vendorReal); err != nil {
		return "", err
	}
	return real, nil
}

// checkTreeSymlinks walks a source tree and refuses any symlink resolving
// outside the vendor root, so neither mode can smuggle foreign files.
func checkTreeSymlinks(dir, vendorReal string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolving symlink %s: %w", p, err)
		}
		if !within(vendorReal, real) {
			return fmt.Errorf("symlink %s escapes the vendor root", p)
		}
		return nil
	})
}

// resolveTarget validates the repo-relative target, creates its parent,
// and confirms the parent really lives under the repo root.
func (m *Mounter) resolveTarget(target string) (string, error) {
	if err := validateMountPath(target); err != nil {
		return "", err
	}
	repoReal, err := filepath.EvalSymlinks(m.repoRoot)
	if err != nil {
		return "", fmt.Errorf("resolving repo root: %w", err)
	}
	abs := filepath.Join(repoReal, filepath.FromSlash(path.Clean(filepath.ToSlash(target))))
	parent := filepath.Dir(abs)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating mount parent %s: %w", parent, err)
	}
	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("resolving mount parent %s: %w", parent, err)
	}
	if !within(repoReal, parentReal) {
		return "", fmt.Errorf("mount target %q escapes the repository", target)
	}
	return filepath.Join(parentReal, filepath.Base(abs)), nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
