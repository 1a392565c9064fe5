/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package loader_test

import (
	"testing"

	"github.com/jrwilson/lily/core/loader"
)

// FuzzParse exercises the loader the way contrib/fuzz wires containerd's
// plugin graph under go-fuzz-build: a single entry point over arbitrary
// bytes that must never panic, only ever return a value or a BADTEXT
// error — every rejected image surfaces as EBADTEXT in the create path.
func FuzzParse(f *testing.F) {
	f.Add(validImage())
	f.Add([]byte{})
	f.Add([]byte("LILY"))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = loader.Parse(data)
	})
}
