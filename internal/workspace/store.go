// Package workspace stores the files attached to a conversation, one flat
// directory per conversation under a configured root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fruitsalade/workspace-sync/pkg/protocol"
)

// ErrInvalidArgument is returned for unsafe or malformed file names.
var ErrInvalidArgument = errors.New("invalid argument")

// UploadedFile describes one file in a workspace.
type UploadedFile = protocol.UploadedFile

// NewUploadedFile builds the descriptor for name inside workspace id.
func NewUploadedFile(id, name string) UploadedFile {
	return UploadedFile{
		Workspace: id,
		FileName:  name,
		MimeType:  MimeType(name),
	}
}

// Store maps workspace ids to directories below root.
type Store struct {
	root string
}

// NewStore creates a store rooted at root, creating the directory if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("upload root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat upload root %s: %w", abs, err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("create upload root %s: %w", abs, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("upload root %s is not a directory", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute upload root.
func (s *Store) Root() string { return s.root }

// Dir returns the directory for workspace id without creating it.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// EnsureDirectory creates the workspace directory if it does not exist.
func (s *Store) EnsureDirectory(id string) (string, error) {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", id, err)
	}
	return dir, nil
}

// List returns the regular files directly inside the workspace, sorted by
// name. A workspace that was never created has no files.
func (s *Store) List(id string) ([]UploadedFile, error) {
	entries, err := os.ReadDir(s.Dir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []UploadedFile{}, nil
		}
		return nil, fmt.Errorf("list workspace %s: %w", id, err)
	}

	files := make([]UploadedFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, NewUploadedFile(id, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileName < files[j].FileName })
	return files, nil
}

// RemoveAll deletes the workspace directory and everything in it. Removing a
// workspace that does not exist succeeds.
func (s *Store) RemoveAll(id string) error {
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", id, err)
	}
	return nil
}

// ResolveFile returns the path of name inside the workspace. The name must
// pass IsValidFilename.
func (s *Store) ResolveFile(id, name string) (string, error) {
	if !IsValidFilename(name) {
		return "", fmt.Errorf("%w: invalid file name %q", ErrInvalidArgument, name)
	}
	return filepath.Join(s.Dir(id), name), nil
}
