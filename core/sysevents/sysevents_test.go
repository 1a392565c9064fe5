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

package sysevents_test

import (
	"testing"

	"github.com/jrwilson/lily/core/sysevents"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDestroyedThenFire(t *testing.T) {
	r := sysevents.New()
	require.NoError(t, r.SubscribeDestroyed(1, 2, 5, 99))

	deliveries := r.FireDestroyed(2)
	require.Equal(t, []sysevents.Delivery{{AID: 1, ANO: 5, Param: 99}}, deliveries)

	// exactly once: firing again after the subscriber list was cleared
	// yields nothing further.
	require.Empty(t, r.FireDestroyed(2))
}

func TestSubscribeUnsubscribeDestroyedIsNoOp(t *testing.T) {
	r := sysevents.New()
	require.NoError(t, r.SubscribeDestroyed(1, 2, 5, 0))
	require.NoError(t, r.UnsubscribeDestroyed(1, 2))
	require.Empty(t, r.FireDestroyed(2))
}

func TestUnsubscribeDestroyedUnknownFails(t *testing.T) {
	r := sysevents.New()
	require.Error(t, r.UnsubscribeDestroyed(1, 2))
}

func TestIRQFireDeliversToAllSubscribers(t *testing.T) {
	r := sysevents.New()
	require.NoError(t, r.SubscribeIRQ(1, 3, 10, 0))
	require.NoError(t, r.SubscribeIRQ(2, 3, 11, 0))

	deliveries := r.FireIRQ(3)
	require.Len(t, deliveries, 2)
}

func TestIRQFireUnknownLineIsEmpty(t *testing.T) {
	r := sysevents.New()
	require.Empty(t, r.FireIRQ(7))
}

func TestCleanupSubscriberRemovesAllSubscriptions(t *testing.T) {
	r := sysevents.New()
	require.NoError(t, r.SubscribeDestroyed(1, 2, 0, 0))
	require.NoError(t, r.SubscribeIRQ(1, 4, 0, 0))

	r.CleanupSubscriber(1)

	require.Empty(t, r.FireDestroyed(2))
	require.Empty(t, r.FireIRQ(4))
}

func TestCleanupSubscriberDoesNotAffectSubscriptionsOnIt(t *testing.T) {
	r := sysevents.New()
	require.NoError(t, r.SubscribeDestroyed(1, 2, 7, 0))

	r.CleanupSubscriber(2)

	deliveries := r.FireDestroyed(2)
	require.Equal(t, []sysevents.Delivery{{AID: 1, ANO: 7, Param: 0}}, deliveries)
}
