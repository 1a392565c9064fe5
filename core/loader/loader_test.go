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

	"github.com/jrwilson/lily/core/action"
	"github.com/jrwilson/lily/core/errno"
	"github.com/jrwilson/lily/core/loader"
	"github.com/jrwilson/lily/pkg/heap"
	"github.com/stretchr/testify/require"
)

func validImage() []byte {
	return loader.NewBuilder().
		AddSegment(0x1000, heap.PageSize, loader.PermRead|loader.PermExecute, []byte("code")).
		AddAction(action.Entry{Kind: action.SystemInput, EntryPt: 0x10, ParamMode: action.None, Name: "init", Desc: "birth"}).
		AddAction(action.Entry{Kind: action.Output, EntryPt: 0x20, ParamMode: action.Auto, Name: "out", Desc: "producer output"}).
		Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	img, err := loader.Parse(validImage())
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	require.Len(t, img.Actions, 2)
	require.Equal(t, "init", img.Actions[0].Name)
	require.Equal(t, action.SystemInput, img.Actions[0].Kind)
	require.Equal(t, int32(0), img.Actions[0].ANO)
	require.Equal(t, "out", img.Actions[1].Name)
	require.Equal(t, int32(1), img.Actions[1].ANO)
	require.NotEmpty(t, img.Digest.String())
}

func TestParseRejectsBadMagic(t *testing.T) {
	img := validImage()
	img[0] = 'X'
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := loader.Parse([]byte{1, 2, 3})
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsNoSegments(t *testing.T) {
	img := loader.NewBuilder().Bytes()
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsFsizeOverMsize(t *testing.T) {
	img := loader.NewBuilder().
		AddSegment(0x1000, 1, loader.PermRead, make([]byte, heap.PageSize)).
		Bytes()
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsZeroPermission(t *testing.T) {
	img := loader.NewBuilder().
		AddSegment(0x1000, heap.PageSize, 0, []byte("x")).
		Bytes()
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsKernelOverlap(t *testing.T) {
	img := loader.NewBuilder().
		AddSegment(loader.KernelReservedBase, heap.PageSize, loader.PermRead, []byte("x")).
		Bytes()
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}

func TestParseRejectsActionTypeOutOfRange(t *testing.T) {
	img := loader.NewBuilder().
		AddSegment(0x1000, heap.PageSize, loader.PermRead, []byte("x")).
		AddAction(action.Entry{Kind: action.Kind(9), Name: "bad", Desc: "bad"}).
		Bytes()
	_, err := loader.Parse(img)
	require.Equal(t, errno.BADTEXT, errno.Of(err))
}
