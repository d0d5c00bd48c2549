package artifacts

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	filesystemSchemeConstant           = "file"
	memorySchemeConstant               = "mem"
	memoryRootConstant                 = "/artifacts"
	schemeSeparatorConstant            = "://"
	blobDirectoryPermissionsConstant   = 0o755
	blobFilePermissionsConstant        = 0o644
	backendRootMissingMessageConstant  = "artifact backend root directory not provided"
	backendWriteTemplateConstant       = "failed to write artifact %q: %w"
	backendReadTemplateConstant        = "failed to read artifact %q: %w"
	backendForeignURITemplateConstant  = "artifact locator %q does not belong to this backend"
	backendResolveRootTemplateConstant = "failed to resolve artifact root %q: %w"
	currentDirectorySegmentConstant    = "."
	parentDirectorySegmentConstant     = ".."
)

// Key addresses one blob in a backend.
type Key struct {
	RunID string
	JobID string
	Name  string
}

// Backend persists artifact blobs.
type Backend interface {
	Write(key Key, content []byte) (string, error)
	Read(uri string) ([]byte, error)
	RemoveRun(runID string) error
}

// BlobBackend stores blobs as files of an afero filesystem under runs/<run>/<job>/<name>.
type BlobBackend struct {
	fileSystem afero.Fs
	root       string
	scheme     string
}

// NewBlobBackend wraps an arbitrary afero filesystem.
func NewBlobBackend(fileSystem afero.Fs, root string, scheme string) *BlobBackend {
	return &BlobBackend{
		fileSystem: fileSystem,
		root:       filepath.Clean(root),
		scheme:     scheme,
	}
}

// NewFilesystemBackend stores blobs on the local disk below root.
func NewFilesystemBackend(root string) (*BlobBackend, error) {
	trimmedRoot := strings.TrimSpace(root)
	if len(trimmedRoot) == 0 {
		return nil, errors.New(backendRootMissingMessageConstant)
	}
	absoluteRoot, absoluteError := filepath.Abs(trimmedRoot)
	if absoluteError != nil {
		return nil, fmt.Errorf(backendResolveRootTemplateConstant, trimmedRoot, absoluteError)
	}
	fileSystem := afero.NewOsFs()
	if mkdirError := fileSystem.MkdirAll(absoluteRoot, blobDirectoryPermissionsConstant); mkdirError != nil {
		return nil, fmt.Errorf(backendResolveRootTemplateConstant, absoluteRoot, mkdirError)
	}
	return NewBlobBackend(fileSystem, absoluteRoot, filesystemSchemeConstant), nil
}

// NewMemoryBackend keeps blobs in process memory.
func NewMemoryBackend() *BlobBackend {
	return NewBlobBackend(afero.NewMemMapFs(), memoryRootConstant, memorySchemeConstant)
}

// Write stores the content and returns its URI.
func (backend *BlobBackend) Write(key Key, content []byte) (string, error) {
	blobPath, pathError := backend.blobPath(key)
	if pathError != nil {
		return "", pathError
	}
	if mkdirError := backend.fileSystem.MkdirAll(filepath.Dir(blobPath), blobDirectoryPermissionsConstant); mkdirError != nil {
		return "", fmt.Errorf(backendWriteTemplateConstant, key.Name, mkdirError)
	}
	if writeError := afero.WriteFile(backend.fileSystem, blobPath, content, blobFilePermissionsConstant); writeError != nil {
		return "", fmt.Errorf(backendWriteTemplateConstant, key.Name, writeError)
	}
	return backend.scheme + schemeSeparatorConstant + filepath.ToSlash(blobPath), nil
}

// Read returns the content stored at the URI.
func (backend *BlobBackend) Read(uri string) ([]byte, error) {
	prefix := backend.scheme + schemeSeparatorConstant
	if !strings.HasPrefix(uri, prefix) {
		return nil, fmt.Errorf(backendForeignURITemplateConstant, uri)
	}
	blobPath := filepath.FromSlash(strings.TrimPrefix(uri, prefix))
	if !strings.HasPrefix(blobPath, backend.root+string(os.PathSeparator)) {
		return nil, fmt.Errorf(backendForeignURITemplateConstant, uri)
	}
	content, readError := afero.ReadFile(backend.fileSystem, blobPath)
	if readError != nil {
		return nil, fmt.Errorf(backendReadTemplateConstant, path.Base(uri), readError)
	}
	return content, nil
}

// RemoveRun deletes every blob of the run.
func (backend *BlobBackend) RemoveRun(runID string) error {
	runSegment, segmentError := pathSegment(keyFieldRunConstant, runID)
	if segmentError != nil {
		return segmentError
	}
	return backend.fileSystem.RemoveAll(filepath.Join(backend.root, runSegment))
}

func (backend *BlobBackend) blobPath(key Key) (string, error) {
	segments := []string{backend.root}
	for _, field := range []struct{ name, value string }{
		{name: keyFieldRunConstant, value: key.RunID},
		{name: keyFieldJobConstant, value: key.JobID},
		{name: keyFieldNameConstant, value: key.Name},
	} {
		segment, segmentError := pathSegment(field.name, field.value)
		if segmentError != nil {
			return "", segmentError
		}
		segments = append(segments, segment)
	}
	return filepath.Join(segments...), nil
}

// pathSegment escapes a key field into one directory level. Escaping leaves dot segments
// untouched, so those are rejected to keep every blob below its run directory.
func pathSegment(field string, value string) (string, error) {
	segment := url.PathEscape(value)
	switch segment {
	case "", currentDirectorySegmentConstant, parentDirectorySegmentConstant:
		return "", &InvalidKeyError{Field: field, Value: value}
	}
	return segment, nil
}
