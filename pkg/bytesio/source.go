// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package bytesio provides the composable byte pipeline used on both the
// upload and download sides: byte sources and sinks are factories of
// single-use streams, so that a retried request can reopen a fresh stream
// with identical content.
package bytesio

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Source produces single-use read streams. The length must be knowable
// before the stream is opened (providers send it as Content-Length), and
// opening the source again must yield a fresh stream with identical content.
type Source interface {
	// OpenStream returns a stream for reading data, to be closed by the caller.
	OpenStream() (io.ReadCloser, error)
	// Length returns the number of bytes the stream will produce.
	Length() (int64, error)
}

// FileSource reads from a file on disk.
type FileSource struct {
	filename string
}

// NewFileSource returns a source reading the given file.
func NewFileSource(filename string) *FileSource {
	return &FileSource{filename: filename}
}

// OpenStream opens the underlying file.
func (s *FileSource) OpenStream() (io.ReadCloser, error) {
	f, err := os.Open(s.filename)
	if err != nil {
		return nil, errors.Wrap(err, "bytesio: cannot open source file")
	}
	return f, nil
}

// Length returns the current file size.
func (s *FileSource) Length() (int64, error) {
	fi, err := os.Stat(s.filename)
	if err != nil {
		return 0, errors.Wrap(err, "bytesio: cannot stat source file")
	}
	return fi.Size(), nil
}

// MemorySource reads from an in-memory byte slice.
type MemorySource struct {
	data []byte
}

// NewMemorySource returns a source reading the given bytes.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

// OpenStream returns a fresh reader over the data.
func (s *MemorySource) OpenStream() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// Length returns the data size.
func (s *MemorySource) Length() (int64, error) {
	return int64(len(s.data)), nil
}

// RangeSource is a view of a range of bytes of an underlying source. The
// streams it opens refuse reads past the end of the window and are not
// seekable: they are not a 1:1 view of the underlying resource.
type RangeSource struct {
	source Source
	start  int64
	length int64
}

// NewRangeSource builds a view of length bytes of source starting at
// startOffset. A negative length means "up to the end of the source".
func NewRangeSource(source Source, startOffset, length int64) (*RangeSource, error) {
	sourceLength, err := source.Length()
	if err != nil {
		return nil, err
	}
	if startOffset < 0 || startOffset > sourceLength {
		return nil, errors.Errorf("bytesio: start offset is past source length: %d > %d", startOffset, sourceLength)
	}
	if length < 0 {
		length = sourceLength - startOffset
	} else if startOffset+length > sourceLength {
		return nil, errors.Errorf("bytesio: range is past source length: %d > %d", startOffset+length, sourceLength)
	}
	return &RangeSource{source: source, start: startOffset, length: length}, nil
}

// OpenStream opens the underlying source, skips to the window start and
// returns a limited stream.
func (s *RangeSource) OpenStream() (io.ReadCloser, error) {
	in, err := s.source.OpenStream()
	if err != nil {
		return nil, err
	}
	if seeker, ok := in.(io.Seeker); ok {
		if _, err := seeker.Seek(s.start, io.SeekStart); err != nil {
			in.Close()
			return nil, errors.Wrap(err, "bytesio: cannot seek to range start")
		}
	} else if _, err := io.CopyN(io.Discard, in, s.start); err != nil {
		in.Close()
		return nil, errors.Wrap(err, "bytesio: cannot skip to range start")
	}
	return &limitedStream{in: in, remaining: s.length}, nil
}

// Length returns the window length.
func (s *RangeSource) Length() (int64, error) {
	return s.length, nil
}

// limitedStream reads from an underlying stream but stops after a limit has
// been reached.
type limitedStream struct {
	in        io.ReadCloser
	remaining int64
}

func (l *limitedStream) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.in.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedStream) Close() error {
	return l.in.Close()
}

// ProgressSource notifies a ProgressListener while data is read from an
// underlying source. For pcsapi internal use; callers set the listener on
// the upload request instead.
type ProgressSource struct {
	source   Source
	listener ProgressListener
}

// NewProgressSource decorates source with the given listener.
func NewProgressSource(source Source, listener ProgressListener) *ProgressSource {
	return &ProgressSource{source: source, listener: listener}
}

// OpenStream opens the underlying stream and notifies progress 0 to
// indicate the process is starting.
func (s *ProgressSource) OpenStream() (io.ReadCloser, error) {
	length, err := s.source.Length()
	if err != nil {
		return nil, err
	}
	in, err := s.source.OpenStream()
	if err != nil {
		return nil, err
	}
	s.listener.SetProgressTotal(length)
	s.listener.Progress(0)
	return &progressReadStream{in: in, listener: s.listener}, nil
}

// Length returns the underlying source length.
func (s *ProgressSource) Length() (int64, error) {
	return s.source.Length()
}

type progressReadStream struct {
	in       io.ReadCloser
	listener ProgressListener
	current  int64
}

func (p *progressReadStream) Read(b []byte) (int, error) {
	n, err := p.in.Read(b)
	if n > 0 {
		p.current += int64(n)
		p.listener.Progress(p.current)
	}
	return n, err
}

func (p *progressReadStream) Close() error {
	return p.in.Close()
}
