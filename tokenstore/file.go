package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gravitational/trace"
)

// fileRecord is the on-disk shape of one profile's session.
type fileRecord struct {
	Token
	Profile string `json:"profile"`
}

// fileContents holds the sessions of every profile sharing the file.
type fileContents struct {
	Sessions map[string]*fileRecord `json:"sessions"` // key = profile
}

// File stores tokens in a JSON file shared by every process of the same
// profile. Writes take a lock file and replace the file atomically.
type File struct {
	path    string
	profile string
	policy  lockPolicy
}

// NewFile returns a store for profile backed by the JSON file at path.
func NewFile(path, profile string) (*File, error) {
	if path == "" {
		return nil, trace.BadParameter("token file path is empty")
	}
	if profile == "" {
		return nil, trace.BadParameter("profile is empty")
	}
	return &File{path: path, profile: profile, policy: defaultLockPolicy()}, nil
}

// Path returns the token file location.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context) (*Token, error) {
	contents, err := f.read()
	if err != nil {
		return nil, storageError("read token file", err)
	}
	rec, ok := contents.Sessions[f.profile]
	if !ok || rec == nil {
		return nil, nil
	}
	// A record missing either half is treated as absent rather than
	// handed out as a partial pair.
	if err := rec.Token.Validate(); err != nil {
		return nil, nil
	}
	return rec.Token.Clone(), nil
}

func (f *File) Set(ctx context.Context, tok *Token) error {
	if err := tok.Validate(); err != nil {
		return trace.Wrap(err)
	}
	return f.update(ctx, func(c *fileContents) {
		c.Sessions[f.profile] = &fileRecord{Token: *tok.Clone(), Profile: f.profile}
	})
}

func (f *File) Clear(ctx context.Context) error {
	return f.update(ctx, func(c *fileContents) {
		delete(c.Sessions, f.profile)
	})
}

// read loads the file; a missing file is an empty set of sessions.
func (f *File) read() (*fileContents, error) {
	contents := &fileContents{Sessions: make(map[string]*fileRecord)}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, contents); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if contents.Sessions == nil {
		contents.Sessions = make(map[string]*fileRecord)
	}
	return contents, nil
}

// update runs a locked read-modify-write, keeping other profiles' sessions.
func (f *File) update(ctx context.Context, mutate func(*fileContents)) (err error) {
	lock, err := acquireLock(ctx, f.path, f.policy)
	if err != nil {
		return storageError("lock token file", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && err == nil {
			err = storageError("release token file lock", releaseErr)
		}
	}()

	contents, readErr := f.read()
	if readErr != nil {
		// A corrupt file is replaced rather than blocking every future login.
		contents = &fileContents{Sessions: make(map[string]*fileRecord)}
	}
	mutate(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return storageError("encode token file", err)
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return storageError("write temp file", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return storageError("rename temp file", errors.Join(err, removeErr))
		}
		return storageError("rename temp file", err)
	}
	return nil
}
