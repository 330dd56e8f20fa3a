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
	"fmt"
	"io"
)

// ProgressListener observes a lengthy transfer.
//
// SetProgressTotal is called when the total number of bytes to process is
// known (usually at start time, but possibly at the end of the process for
// chunked downloads); total is negative when unknown. It may be called
// several times if a transfer fails and is restarted.
//
// Progress is called once with current=0 to indicate the process is
// starting; progress may restart from 0 in case a transfer is retried.
//
// Aborted is called when the current attempt is abandoned (it may be
// retried).
type ProgressListener interface {
	SetProgressTotal(total int64)
	Progress(current int64)
	Aborted()
}

// WriterProgressListener is a simple progress listener that prints to a
// writer (usually stdout).
type WriterProgressListener struct {
	W io.Writer

	Total      int64
	Current    int64
	IsAborted  bool
	totalKnown bool
}

// NewWriterProgressListener returns a listener printing to w.
func NewWriterProgressListener(w io.Writer) *WriterProgressListener {
	return &WriterProgressListener{W: w, Total: -1}
}

// SetProgressTotal records the expected total.
func (l *WriterProgressListener) SetProgressTotal(total int64) {
	l.Total = total
	l.totalKnown = total >= 0
}

// Progress prints the current byte count.
func (l *WriterProgressListener) Progress(current int64) {
	l.Current = current
	if l.totalKnown {
		fmt.Fprintf(l.W, "Progress: %d / %d\r", current, l.Total)
	} else {
		fmt.Fprintf(l.W, "Progress: %d / ???\r", current)
	}
	if l.totalKnown && current == l.Total {
		fmt.Fprintln(l.W)
	}
}

// Aborted marks the transfer as abandoned.
func (l *WriterProgressListener) Aborted() {
	l.IsAborted = true
	fmt.Fprintln(l.W, "\ntransfer has been aborted")
}
