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

// Package log builds the zerolog loggers handed to the library through
// appctx. Mode dev prints in console format and prod in json output.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Out is the log output writer
var Out io.Writer = os.Stderr

// Mode dev prints in console format and prod in json output
var Mode = "dev"

// New returns a logger for the given component at the given level
// ("debug", "info", "warn", "error"; anything else means info).
func New(component, level string) zerolog.Logger {
	zl := zerolog.New(Out).With().Str("pkg", component).Timestamp().Logger()
	if Mode == "" || Mode == "dev" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: Out})
	}
	switch strings.ToLower(level) {
	case "debug":
		zl = zl.Level(zerolog.DebugLevel)
	case "warn":
		zl = zl.Level(zerolog.WarnLevel)
	case "error":
		zl = zl.Level(zerolog.ErrorLevel)
	default:
		zl = zl.Level(zerolog.InfoLevel)
	}
	return zl
}
