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

// Package identifiers validates the names an automaton may register
// itself under via create's name parameter, the same names
// core/automaton's by-name index looks up for lookup(name).
//
// Names are alphanumeric, allowing limited underscores, dashes and
// dots, the same restrained character set containerd uses for its own
// identifiers so a name is always safe to surface in a log line or an
// external introspection tool without further escaping.
package identifiers

import (
	"regexp"

	"github.com/jrwilson/lily/core/errno"
)

const (
	maxLength  = 64
	alphanum   = `[A-Za-z0-9]+`
	separators = `[._-]`
)

// identifierRe defines the pattern for valid automaton names. Compiled
// once at package load: unlike containerd's CLI binary, which lazily
// compiles a great many unrelated regexes across many subcommands,
// this is the only pattern lilyd ever needs and it sits on the hot
// path of every create() call.
var identifierRe = regexp.MustCompile(reAnchor(alphanum + reGroup(separators+reGroup(alphanum)) + "*"))

// Validate returns nil if s is a valid automaton name: non-empty, no
// longer than maxLength, and matching identifierRe.
func Validate(s string) error {
	if len(s) == 0 {
		return errno.ErrInval("name must not be empty")
	}
	if len(s) > maxLength {
		return errno.ErrInval("name %q exceeds maximum length (%d characters)", s, maxLength)
	}
	if !identifierRe.MatchString(s) {
		return errno.ErrInval("name %q must match %v", s, identifierRe)
	}
	return nil
}

func reGroup(s string) string {
	return `(?:` + s + `)`
}

func reAnchor(s string) string {
	return `^` + s + `$`
}
