package directory

import "github.com/pkg/errors"

// Structural errors. They reflect the logical state of the directory tree
// and are never retried by fdb.ReadWrite.
var (
	ErrRootDirectory      = errors.New("directory: the root directory cannot be opened, created, moved or removed")
	ErrDirectoryNotFound  = errors.New("directory: directory does not exist")
	ErrDirectoryExists    = errors.New("directory: directory already exists")
	ErrIncompatibleLayer  = errors.New("directory: directory was created with an incompatible layer")
	ErrPrefixInUse        = errors.New("directory: prefix is already in use")
	ErrParentNotFound     = errors.New("directory: parent directory does not exist")
	ErrMoveIntoDescendant = errors.New("directory: destination is inside the source directory")
	ErrInvalidPath        = errors.New("directory: invalid path")
)
