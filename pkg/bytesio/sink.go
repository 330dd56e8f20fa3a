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

package bytesio

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// SinkStream is a stream returned by Sink.OpenStream. Abort signals that
// writes will stop before the expected end; it must be called before Close.
type SinkStream interface {
	io.WriteCloser
	Abort()
}

// Sink produces single-use write streams. OpenStream may be called several
// times (in case of retries).
type Sink interface {
	OpenStream() (SinkStream, error)
	// SetExpectedLength defines the number of bytes that are expected to be
	// written to the stream. This value may be defined lately (after stream
	// creation), and again on a retried attempt.
	SetExpectedLength(length int64)
}

// FileSink writes bytes to a file.
type FileSink struct {
	filename            string
	tempNameDuringWrite bool
	deleteOnAbort       bool

	expectedLength int64
	hasExpected    bool
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// TempNameDuringWrites makes the sink write to "filename.part" and rename it
// to its final name when the stream is closed properly without abort.
func TempNameDuringWrites() FileSinkOption {
	return func(s *FileSink) {
		s.tempNameDuringWrite = true
	}
}

// DeleteOnAbort makes the sink delete the written file if the stream is
// aborted or not closed properly.
func DeleteOnAbort() FileSinkOption {
	return func(s *FileSink) {
		s.deleteOnAbort = true
	}
}

// NewFileSink returns a sink writing to the given file.
func NewFileSink(filename string, opts ...FileSinkOption) *FileSink {
	s := &FileSink{filename: filename}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetExpectedLength records how many bytes should be written. The file sink
// does not compare it with the number of bytes actually written.
func (s *FileSink) SetExpectedLength(length int64) {
	s.expectedLength = length
	s.hasExpected = length >= 0
}

// OpenStream creates (or truncates) the destination file.
func (s *FileSink) OpenStream() (SinkStream, error) {
	f, err := os.Create(s.actualFilename())
	if err != nil {
		return nil, errors.Wrap(err, "bytesio: cannot create sink file")
	}
	return &fileSinkStream{sink: s, f: f}, nil
}

func (s *FileSink) actualFilename() string {
	if s.tempNameDuringWrite {
		return s.filename + ".part"
	}
	return s.filename
}

type fileSinkStream struct {
	sink    *FileSink
	f       *os.File
	aborted bool
}

func (st *fileSinkStream) Write(p []byte) (int, error) {
	return st.f.Write(p)
}

func (st *fileSinkStream) Abort() {
	st.aborted = true
}

// Close always releases the file handle, then handles the written file:
// delete on abort, rename from temp name on clean close, or keep the
// (possibly partial) file.
func (st *fileSinkStream) Close() error {
	closeErr := st.f.Close()
	s := st.sink
	actual := s.actualFilename()

	if st.aborted || closeErr != nil {
		if s.deleteOnAbort {
			if err := os.Remove(actual); err != nil && closeErr == nil {
				closeErr = errors.Wrap(err, "bytesio: cannot delete aborted sink file")
			}
			return closeErr
		}
		// Partial file is kept; nothing else to do.
		return closeErr
	}
	if s.tempNameDuringWrite {
		if err := os.Remove(s.filename); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "bytesio: cannot replace sink file")
		}
		if err := os.Rename(actual, s.filename); err != nil {
			return errors.Wrap(err, "bytesio: cannot rename sink temp file")
		}
	}
	return nil
}

// MemorySink collects written bytes in memory; they are available through
// Bytes once the stream has been closed.
type MemorySink struct {
	data []byte
}

// NewMemorySink returns an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// OpenStream returns a fresh buffer stream.
func (s *MemorySink) OpenStream() (SinkStream, error) {
	return &memorySinkStream{sink: s, buf: &bytes.Buffer{}}, nil
}

// SetExpectedLength is a no-op for memory sinks.
func (s *MemorySink) SetExpectedLength(length int64) {}

// Bytes returns the data written by the last closed stream, whether it was
// aborted or not.
func (s *MemorySink) Bytes() []byte {
	return s.data
}

type memorySinkStream struct {
	sink *MemorySink
	buf  *bytes.Buffer
}

func (st *memorySinkStream) Write(p []byte) (int, error) {
	return st.buf.Write(p)
}

func (st *memorySinkStream) Abort() {}

func (st *memorySinkStream) Close() error {
	// Save data before releasing the buffer:
	st.sink.data = st.buf.Bytes()
	st.buf = nil
	return nil
}

// ProgressSink notifies a ProgressListener while data is written to an
// underlying sink. For pcsapi internal use; callers set the listener on the
// download request instead.
type ProgressSink struct {
	sink     Sink
	listener ProgressListener
}

// NewProgressSink decorates sink with the given listener.
func NewProgressSink(sink Sink, listener ProgressListener) *ProgressSink {
	return &ProgressSink{sink: sink, listener: listener}
}

// OpenStream opens the underlying stream and notifies progress 0 to
// indicate the process is starting.
func (s *ProgressSink) OpenStream() (SinkStream, error) {
	out, err := s.sink.OpenStream()
	if err != nil {
		return nil, err
	}
	s.listener.Progress(0)
	return &progressWriteStream{out: out, listener: s.listener}, nil
}

// SetExpectedLength forwards the total to both the listener and the
// underlying sink.
func (s *ProgressSink) SetExpectedLength(length int64) {
	s.listener.SetProgressTotal(length)
	s.sink.SetExpectedLength(length)
}

type progressWriteStream struct {
	out      SinkStream
	listener ProgressListener
	current  int64
}

func (p *progressWriteStream) Write(b []byte) (int, error) {
	n, err := p.out.Write(b)
	if n > 0 {
		p.current += int64(n)
		p.listener.Progress(p.current)
	}
	return n, err
}

func (p *progressWriteStream) Abort() {
	p.listener.Aborted()
	p.out.Abort()
}

func (p *progressWriteStream) Close() error {
	return p.out.Close()
}
