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

package binding_test

import (
	"testing"

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/binding"
	"github.com/jrwilson/lily/core/errno"
	"github.com/stretchr/testify/require"
)

func out(aid, ano int32, mode action.ParamMode) binding.ActionInfo {
	return binding.ActionInfo{AID: aid, ANO: ano, Kind: action.Output, ParamMode: mode}
}

func in(aid, ano int32, mode action.ParamMode) binding.ActionInfo {
	return binding.ActionInfo{AID: aid, ANO: ano, Kind: action.Input, ParamMode: mode}
}

func TestBindInsertsIntoAllIndices(t *testing.T) {
	g := binding.New()
	bid, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 0)
	require.NoError(t, err)

	b, err := g.Find(bid)
	require.NoError(t, err)
	require.Equal(t, int32(1), b.OutAID)
	require.Equal(t, int32(2), b.InAID)
	require.Len(t, g.OutgoingFor(1, 0), 1)
	require.Equal(t, 1, g.Len())
}

func TestBindRejectsSameAutomaton(t *testing.T) {
	g := binding.New()
	_, err := g.Bind(1, out(1, 0, action.None), in(1, 1, action.None), 0, 0)
	require.Equal(t, errno.INVAL, errno.Of(err))
}

func TestBindRejectsWrongKinds(t *testing.T) {
	g := binding.New()
	badOut := binding.ActionInfo{AID: 1, ANO: 0, Kind: action.Input}
	_, err := g.Bind(1, badOut, in(2, 0, action.None), 0, 0)
	require.Equal(t, errno.INVAL, errno.Of(err))

	badIn := binding.ActionInfo{AID: 2, ANO: 0, Kind: action.Output}
	_, err = g.Bind(1, out(1, 0, action.None), badIn, 0, 0)
	require.Equal(t, errno.INVAL, errno.Of(err))
}

func TestBindAutoNormalizesParams(t *testing.T) {
	g := binding.New()
	bid, err := g.Bind(1, out(1, 0, action.Auto), in(2, 0, action.Auto), 99, 99)
	require.NoError(t, err)
	b, err := g.Find(bid)
	require.NoError(t, err)
	require.Equal(t, int32(2), b.OutParam) // forced to in automaton's aid
	require.Equal(t, int32(1), b.InParam)  // forced to out automaton's aid
}

func TestDuplicateInputBindingRejectedByI3(t *testing.T) {
	g := binding.New()
	_, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 5)
	require.NoError(t, err)
	_, err = g.Bind(1, out(1, 1, action.None), in(2, 0, action.None), 0, 5)
	require.Equal(t, errno.INVAL, errno.Of(err))
}

func TestDuplicateOutputToSameTargetRejectedByI4(t *testing.T) {
	g := binding.New()
	_, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 7, 0)
	require.NoError(t, err)
	_, err = g.Bind(1, out(1, 0, action.None), in(2, 1, action.None), 7, 1)
	require.Equal(t, errno.INVAL, errno.Of(err))
}

func TestUnbindThenRebindSucceeds(t *testing.T) {
	g := binding.New()
	bid, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 0)
	require.NoError(t, err)
	require.NoError(t, g.Unbind(bid))
	require.Equal(t, 0, g.Len())

	_, err = g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 0)
	require.NoError(t, err)
}

func TestRemoveAutomatonNotifiesPeersOnce(t *testing.T) {
	g := binding.New()
	_, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 0)
	require.NoError(t, err)
	_, err = g.Bind(1, out(1, 0, action.None), in(3, 0, action.None), 0, 1)
	require.NoError(t, err)
	_, err = g.Bind(2, out(2, 0, action.None), in(1, 0, action.None), 0, 2)
	require.NoError(t, err)

	peers := g.RemoveAutomaton(1)
	require.ElementsMatch(t, []int32{2, 3}, peers)
	require.Equal(t, 0, g.Len())
}

func TestOutgoingForIsOrderedByBID(t *testing.T) {
	g := binding.New()
	first, err := g.Bind(1, out(1, 0, action.None), in(2, 0, action.None), 0, 0)
	require.NoError(t, err)
	second, err := g.Bind(1, out(1, 0, action.None), in(3, 0, action.None), 0, 1)
	require.NoError(t, err)

	bs := g.OutgoingFor(1, 0)
	require.Len(t, bs, 2)
	if first < second {
		require.Equal(t, first, bs[0].BID)
		require.Equal(t, second, bs[1].BID)
	} else {
		require.Equal(t, second, bs[0].BID)
		require.Equal(t, first, bs[1].BID)
	}
}
