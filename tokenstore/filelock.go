package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	defaultLockAttempts = 50
	defaultLockDelay    = 100 * time.Millisecond
	defaultLockStale    = 30 * time.Second
)

// lockPolicy controls how long acquireLock keeps trying.
type lockPolicy struct {
	attempts   int
	delay      time.Duration
	staleAfter time.Duration
}

func defaultLockPolicy() lockPolicy {
	return lockPolicy{
		attempts:   defaultLockAttempts,
		delay:      defaultLockDelay,
		staleAfter: defaultLockStale,
	}
}

// fileLock is an exclusive sidecar lock file next to the token file.
// Every process sharing the token file must take it before a read-modify-write.
type fileLock struct {
	file *os.File
	path string
}

// acquireLock creates path+".lock" exclusively, waiting for other holders and
// reclaiming locks older than policy.staleAfter.
func acquireLock(ctx context.Context, path string, policy lockPolicy) (*fileLock, error) {
	lockPath := path + ".lock"

	for i := 0; i < policy.attempts; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// pid is only informational
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > policy.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.delay):
		}
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(policy.attempts)*policy.delay,
	)
}

// release closes and removes the lock file. A second call reports that the
// lock file is already gone.
func (l *fileLock) release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock %s already released: %w", l.path, err)
	}
	return err
}
