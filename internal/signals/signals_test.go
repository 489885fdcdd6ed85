// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package signals

import "testing"

func TestNetworkTransitionsNotifySubscribers(t *testing.T) {
	t.Parallel()

	s := NewSource()
	var got []NetworkState
	s.OnNetwork(func(state NetworkState) { got = append(got, state) })

	s.SetNetwork(NetworkOffline)
	s.SetNetwork(NetworkOffline) // duplicate, no event
	s.SetNetwork(NetworkOnline)

	if len(got) != 2 || got[0] != NetworkOffline || got[1] != NetworkOnline {
		t.Errorf("transitions = %v, want [offline online]", got)
	}
	if s.Network() != NetworkOnline {
		t.Errorf("Network = %v, want online", s.Network())
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	s := NewSource()
	s.OnVisibility(func(Visibility) { panic("boom") })

	called := false
	s.OnVisibility(func(v Visibility) { called = true })

	s.SetVisibility(VisibilityHidden)

	if !called {
		t.Error("second handler should run despite first panicking")
	}
	if s.Visibility() != VisibilityHidden {
		t.Errorf("Visibility = %v, want hidden", s.Visibility())
	}
}
