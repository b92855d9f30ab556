package server

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

var errInvalidName = errors.New("filename escapes the served directory")

// requestError is a request the server refuses before a transfer starts.
type requestError struct {
	Code messages.ErrorCode
	Err  error
}

func (e *requestError) Error() string                 { return e.Err.Error() }
func (e *requestError) Unwrap() error                 { return e.Err }
func (e *requestError) ErrorCode() messages.ErrorCode { return e.Code }

func refuse(err error) *requestError {
	code := messages.NotDefined
	switch {
	case errors.Is(err, errInvalidName), errors.Is(err, os.ErrPermission):
		code = messages.AccessViolation
	case errors.Is(err, os.ErrNotExist):
		code = messages.FileNotFound
	case errors.Is(err, os.ErrExist):
		code = messages.FileAlreadyExists
	}
	return &requestError{Code: code, Err: err}
}

// fileStore maps request filenames to files below Root.
type fileStore struct {
	Root           string
	AllowOverwrite bool
}

// resolve accepts relative slash separated names only. Absolute names,
// ".." components, backslashes and NUL bytes are rejected.
func (fs *fileStore) resolve(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) || strings.Contains(name, "\\") {
		return "", errInvalidName
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", errInvalidName
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errInvalidName
	}
	full := filepath.Join(fs.Root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(fs.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errInvalidName
	}
	return full, nil
}

// open returns the file served for a read request.
func (fs *fileStore) open(name string) (*os.File, error) {
	p, err := fs.resolve(name)
	if err != nil {
		return nil, refuse(err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, refuse(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, refuse(err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, &requestError{Code: messages.AccessViolation, Err: fmt.Errorf("%s is not a regular file", name)}
	}
	return f, nil
}

// upload is the part file a write request is received into. The final
// name only appears once the transfer completed.
type upload struct {
	*os.File
	final     string
	overwrite bool
}

func (fs *fileStore) create(name string) (*upload, error) {
	p, err := fs.resolve(name)
	if err != nil {
		return nil, refuse(err)
	}
	if info, err := os.Stat(p); err == nil {
		if !info.Mode().IsRegular() {
			return nil, &requestError{Code: messages.AccessViolation, Err: fmt.Errorf("%s is not a regular file", name)}
		}
		if !fs.AllowOverwrite {
			return nil, &requestError{Code: messages.FileAlreadyExists, Err: fmt.Errorf("%s already exists", name)}
		}
	}
	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.part")
	if err != nil {
		return nil, refuse(err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, refuse(err)
	}
	return &upload{File: f, final: p, overwrite: fs.AllowOverwrite}, nil
}

// commit moves the part file to its final name.
func (u *upload) commit() error {
	if err := u.Close(); err != nil {
		os.Remove(u.Name())
		return fmt.Errorf("error closing %s: %w", u.Name(), err)
	}
	if u.overwrite {
		if err := os.Rename(u.Name(), u.final); err != nil {
			os.Remove(u.Name())
			return fmt.Errorf("error renaming upload: %w", err)
		}
		return nil
	}
	// a concurrent upload of the same name may have finished first
	if err := os.Link(u.Name(), u.final); err != nil {
		os.Remove(u.Name())
		return fmt.Errorf("error publishing upload: %w", err)
	}
	return os.Remove(u.Name())
}

func (u *upload) discard() {
	u.Close()
	os.Remove(u.Name())
}
