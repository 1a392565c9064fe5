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

package automaton_test

import (
	"testing"

	"github.com/jrwilson/lily/core/automaton"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/pkg/machine"
	"github.com/stretchr/testify/require"
)

func TestInsertAndFind(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	a, err := tbl.Insert(automaton.CreateParams{AID: 1, Name: "p", Parent: automaton.NoParent})
	require.NoError(t, err)
	require.True(t, a.Enabled())

	found, err := tbl.Find(1)
	require.NoError(t, err)
	require.Same(t, a, found)

	byName, err := tbl.FindByName("p")
	require.NoError(t, err)
	require.Same(t, a, byName)
}

func TestInsertDuplicateNameRejected(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	_, err := tbl.Insert(automaton.CreateParams{AID: 1, Name: "dup", Parent: automaton.NoParent})
	require.NoError(t, err)
	_, err = tbl.Insert(automaton.CreateParams{AID: 2, Name: "dup", Parent: automaton.NoParent})
	require.Equal(t, errno.EXISTS, errno.Of(err))
}

func TestFindUnknownAIDIsAIDDNE(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	_, err := tbl.Find(42)
	require.Equal(t, errno.AIDDNE, errno.Of(err))
}

func TestParentChildLinkage(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	parent, err := tbl.Insert(automaton.CreateParams{AID: 1, Parent: automaton.NoParent})
	require.NoError(t, err)
	child, err := tbl.Insert(automaton.CreateParams{AID: 2, Parent: 1})
	require.NoError(t, err)

	require.Equal(t, int32(1), child.Parent())
	require.Equal(t, []int32{2}, parent.Children())
	require.Equal(t, int32(1), parent.Refcount())
}

func TestDestroyDisablesAndRemoves(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	_, err := tbl.Insert(automaton.CreateParams{AID: 1, Name: "victim", Parent: automaton.NoParent})
	require.NoError(t, err)

	destroyed, err := tbl.Destroy(1)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, destroyed)

	_, err = tbl.Find(1)
	require.Equal(t, errno.AIDDNE, errno.Of(err))
	_, err = tbl.FindByName("victim")
	require.Equal(t, errno.NOT, errno.Of(err))
}

func TestDestroyCascadesToChildren(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	_, err := tbl.Insert(automaton.CreateParams{AID: 1, Parent: automaton.NoParent})
	require.NoError(t, err)
	_, err = tbl.Insert(automaton.CreateParams{AID: 2, Parent: 1})
	require.NoError(t, err)
	_, err = tbl.Insert(automaton.CreateParams{AID: 3, Parent: 2})
	require.NoError(t, err)

	destroyed, err := tbl.Destroy(1)
	require.NoError(t, err)
	require.ElementsMatch(t, []int32{1, 2, 3}, destroyed)
	require.Equal(t, 0, tbl.Len())
}

func TestDestroyRunsTeardownPerAutomaton(t *testing.T) {
	tbl := automaton.New(machine.NewHosted(1))
	var torn []int32
	tbl.SetTeardown(func(aid int32) { torn = append(torn, aid) })

	_, err := tbl.Insert(automaton.CreateParams{AID: 1, Parent: automaton.NoParent})
	require.NoError(t, err)
	_, err = tbl.Insert(automaton.CreateParams{AID: 2, Parent: 1})
	require.NoError(t, err)

	_, err = tbl.Destroy(1)
	require.NoError(t, err)
	require.Equal(t, []int32{2, 1}, torn)
}
