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

// Package loader registers every provider adapter with the storage
// registry; import it for its side effects.
package loader

import (
	// Load core storage providers.
	_ "github.com/netheos/pcsapi/pkg/storage/provider/cloudme"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/dropbox"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/googledrive"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/hubic"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/onedrive"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/rapidshare"
)
