// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

// Open opens a trace file, decompressing .zst and .gz files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".zst":
		d, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("trace %s: %w", path, err)
		}
		return &readCloser{Reader: d, close: func() error {
			d.Close()
			return f.Close()
		}}, nil
	case ".gz":
		z, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("trace %s: %w", path, err)
		}
		return &readCloser{Reader: z, close: func() error {
			z.Close()
			return f.Close()
		}}, nil
	}
	return f, nil
}

// Load parses the trace file at path.
func Load(path string) ([]Event, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	events, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", path, err)
	}
	return events, nil
}

// Create creates a trace file, compressing it if the name ends in .zst or
// .gz.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var w io.WriteCloser
	switch filepath.Ext(path) {
	case ".zst":
		w, err = zstd.NewWriter(f)
	case ".gz":
		w = gzip.NewWriter(f)
	default:
		return f, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace %s: %w", path, err)
	}
	return &writeCloser{WriteCloser: w, f: f}, nil
}

type writeCloser struct {
	io.WriteCloser
	f *os.File
}

func (w *writeCloser) Close() error {
	err := w.WriteCloser.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
