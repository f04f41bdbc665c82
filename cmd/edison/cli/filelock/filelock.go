// Package filelock serializes multi-step file mutations across processes.
//
// Locks are advisory flock(2) locks on a sidecar file next to the target
// (<path>.lock), never on the target itself, so lock acquisition works on
// NFS-style filesystems where locking the data file races with rename.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// In-process gates serialize goroutines in the same process before they
// contend for the OS lock. Keyed by lock file path.
var (
	gatesMu sync.Mutex
	gates   = map[string]chan struct{}{}
)

func gateFor(lockPath string) chan struct{} {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	g, ok := gates[lockPath]
	if !ok {
		g = make(chan struct{}, 1)
		gates[lockPath] = g
	}
	return g
}

// Options controls lock acquisition behavior. Values come from the
// file_locking section of the resolved configuration.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// FailOpen proceeds without the lock after a timeout instead of failing.
	FailOpen bool
}

// DefaultOptions returns the built-in locking defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		PollInterval: 250 * time.Millisecond,
		FailOpen:     false,
	}
}

// TimeoutError is returned when the lock could not be acquired in time and
// fail-open is disabled.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %s", e.Timeout, e.Path)
}

// Lock is a held (or deliberately skipped) sidecar lock.
type Lock struct {
	fl   *flock.Flock
	gate chan struct{}
	// Path is the sidecar lock file path.
	Path string
	// WaitedMs is how long acquisition blocked, for observability.
	WaitedMs int64

	acquired bool
}

// Acquired reports whether the lock is actually held. False only when
// fail-open proceeded past a timeout.
func (l *Lock) Acquired() bool {
	return l.acquired
}

// Release drops the lock. Safe to call on a fail-open lock.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	var err error
	if l.fl != nil {
		if unlockErr := l.fl.Unlock(); unlockErr != nil {
			err = fmt.Errorf("failed to release lock %s: %w", l.Path, unlockErr)
		}
	}
	if l.gate != nil {
		<-l.gate
	}
	return err
}

// SidecarPath returns the lock file path guarding target.
func SidecarPath(target string) string {
	return target + ".lock"
}

// Acquire takes the sidecar lock for target, polling until the configured
// timeout. With fail-open enabled a timeout returns an unheld Lock instead
// of an error. Cancellation of ctx always propagates.
func Acquire(ctx context.Context, target string, opts Options) (*Lock, error) {
	lockPath := SidecarPath(target)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultOptions().PollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultOptions().Timeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	// Serialize same-process callers before taking the OS lock.
	gate := gateFor(lockPath)
	select {
	case gate <- struct{}{}:
	case <-waitCtx.Done():
		waited := time.Since(start).Milliseconds()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if opts.FailOpen {
			return &Lock{Path: lockPath, WaitedMs: waited, acquired: false}, nil
		}
		return nil, &TimeoutError{Path: lockPath, Timeout: timeout}
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(waitCtx, poll)
	waited := time.Since(start).Milliseconds()

	if locked {
		return &Lock{fl: fl, gate: gate, Path: lockPath, WaitedMs: waited, acquired: true}, nil
	}
	<-gate
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && waitCtx.Err() == nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
	}
	if opts.FailOpen {
		return &Lock{Path: lockPath, WaitedMs: waited, acquired: false}, nil
	}
	return nil, &TimeoutError{Path: lockPath, Timeout: timeout}
}

// WithLock runs fn while holding the sidecar lock for target.
func WithLock(ctx context.Context, target string, opts Options, fn func() error) error {
	lock, err := Acquire(ctx, target, opts)
	if err != nil {
		return err
	}
	defer lock.Release() //nolint:errcheck
	return fn()
}
