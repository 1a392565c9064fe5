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

// Package action holds the types shared by every component that
// reasons about an automaton's action catalog: the loader that parses
// descriptors out of an image, the automaton table that stores the
// catalog, the binding graph that enforces endpoint-kind compatibility,
// and the scheduler that dispatches and normalizes parameters.
package action

import "fmt"

// Kind classifies an action: input, output, internal, or system_input.
type Kind int

const (
	Input Kind = iota
	Output
	Internal
	SystemInput
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Output:
		return "output"
	case Internal:
		return "internal"
	case SystemInput:
		return "system_input"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParamMode controls how an action's parameter is fixed at bind time.
type ParamMode int

const (
	// None: the action takes no meaningful parameter; it is forced to 0.
	None ParamMode = iota
	// Explicit: the parameter is whatever the binder supplied.
	Explicit
	// Auto: the parameter is forced to the bound peer's aid at bind time.
	Auto
)

func (m ParamMode) String() string {
	switch m {
	case None:
		return "none"
	case Explicit:
		return "explicit"
	case Auto:
		return "auto"
	default:
		return fmt.Sprintf("param_mode(%d)", int(m))
	}
}

// Compare controls how two automata's actions are matched by name when
// re-linked after a restart. Lily has no restart path in this
// implementation, but the field is part of the action descriptor's
// wire shape and is preserved for catalog fidelity and for
// `describe`.
type Compare int

const (
	CompareNone Compare = iota
	CompareEqual
)

// Entry is one row of an automaton's action catalog: the per-automaton
// dense action number, its kind, its entry point in the automaton's
// program, its parameter mode, its name-compare method, and the name
// and description strings carried in the image's action descriptor.
type Entry struct {
	ANO       int32
	Kind      Kind
	EntryPt   uint64
	ParamMode ParamMode
	Compare   Compare
	Name      string
	Desc      string
}

// Ref addresses a specific action of a specific automaton.
type Ref struct {
	AID int32
	ANO int32
}

// Descriptor is the runtime form of an action after its parameter has
// been fixed. Two descriptors are equal exactly when their entry point
// and parameter are equal.
type Descriptor struct {
	EntryPt   uint64
	Parameter int32
}

// Equal reports whether d and o name the same entry point and parameter.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.EntryPt == o.EntryPt && d.Parameter == o.Parameter
}

// NormalizeSchedule applies the NONE/AUTO parameter normalization rule
// used by `finish` when scheduling a successor action within the
// caller automaton: NONE becomes 0; EXPLICIT and AUTO keep the
// caller-supplied value (AUTO on a self-scheduled action has no peer to
// resolve against; bind time fixes it for cross-automaton delivery).
func NormalizeSchedule(mode ParamMode, supplied int32) int32 {
	switch mode {
	case None:
		return 0
	default:
		return supplied
	}
}
