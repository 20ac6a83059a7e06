package vfs

import (
	"errors"
	"io"
	"os"
	"sync"
)

var (
	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")

	// ErrInjectedRenameError is returned when a rename error is injected.
	ErrInjectedRenameError = errors.New("vfs: injected rename error")
)

// FaultInjectionFS wraps an FS and fails selected operations.
type FaultInjectionFS struct {
	base FS

	mu           sync.Mutex
	failWrites   bool
	failSyncs    bool
	failRenames  bool
	removedFiles []string
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{base: base}
}

// InjectWriteError makes every write fail until cleared.
func (fs *FaultInjectionFS) InjectWriteError(on bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrites = on
}

// InjectSyncError makes every file sync fail until cleared.
func (fs *FaultInjectionFS) InjectSyncError(on bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failSyncs = on
}

// InjectRenameError makes every rename fail until cleared.
func (fs *FaultInjectionFS) InjectRenameError(on bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failRenames = on
}

// Removed returns the files removed through this FS.
func (fs *FaultInjectionFS) Removed() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.removedFiles...)
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultFile{fs: fs, f: f}, nil
}

func (fs *FaultInjectionFS) Open(name string) (io.ReadCloser, error) {
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	fail := fs.failRenames
	fs.mu.Unlock()
	if fail {
		return ErrInjectedRenameError
	}
	return fs.base.Rename(oldname, newname)
}

func (fs *FaultInjectionFS) Remove(name string) error {
	fs.mu.Lock()
	fs.removedFiles = append(fs.removedFiles, name)
	fs.mu.Unlock()
	return fs.base.Remove(name)
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) SyncDir(path string) error {
	return fs.base.SyncDir(path)
}

type faultFile struct {
	fs *FaultInjectionFS
	f  WritableFile
}

func (ff *faultFile) Write(p []byte) (int, error) {
	ff.fs.mu.Lock()
	fail := ff.fs.failWrites
	ff.fs.mu.Unlock()
	if fail {
		return 0, ErrInjectedWriteError
	}
	return ff.f.Write(p)
}

func (ff *faultFile) Sync() error {
	ff.fs.mu.Lock()
	fail := ff.fs.failSyncs
	ff.fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	return ff.f.Sync()
}

func (ff *faultFile) Close() error {
	return ff.f.Close()
}
