// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"io"
	"io/fs"
)

// FS is an in-memory [fs.FS] serving the files by name.
// Opening a missing file returns [fs.ErrNotExist].
type FS map[string]*File

// Open returns the file with the given name.
func (m FS) Open(name string) (fs.File, error) {
	f, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	f.readPos = 0
	return f, nil
}

// File is an in-memory [fs.File].
type File struct {
	// Content is returned by Read.
	Content []byte
	// ReadErr is returned by Read instead of the content if set.
	ReadErr error
	// CloseErr is returned by Close.
	CloseErr error

	readPos int
}

func (f *File) Read(b []byte) (int, error) {
	if f.ReadErr != nil {
		return 0, f.ReadErr
	}
	if f.readPos >= len(f.Content) {
		return 0, io.EOF
	}
	n := copy(b, f.Content[f.readPos:])
	f.readPos += n
	return n, nil
}

func (f *File) Close() error {
	return f.CloseErr
}

func (f *File) Stat() (fs.FileInfo, error) {
	return nil, nil
}
