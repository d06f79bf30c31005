package domain

import "testing"

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to StateKind
		want     bool
	}{
		{StateIdle, StateProcessing, true},
		{StateIdle, StateFinished, false},
		{StateProcessing, StateWaitingForInput, true},
		{StateProcessing, StateWaitingForPermission, true},
		{StateWaitingForInput, StateProcessing, true},
		{StateWaitingForInput, StateWaitingForPermission, false},
		{StateWaitingForPermission, StateProcessing, true},
		{StateWaitingForPermission, StateIdle, false},
		{StateFinished, StateIdle, false},
	}
	for _, c := range cases {
		got := CanTransition(SessionState{Kind: c.from}, SessionState{Kind: c.to})
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFailedTransitionDependsOnRecoverable(t *testing.T) {
	recoverable := Failed("oops", true)
	unrecoverable := Failed("oops", false)

	if !CanTransition(recoverable, Idle()) {
		t.Errorf("expected recoverable Failed -> Idle to be legal")
	}
	if CanTransition(unrecoverable, Idle()) {
		t.Errorf("expected unrecoverable Failed -> Idle to be illegal")
	}
	if CanTransition(recoverable, Processing()) {
		t.Errorf("Failed should only ever transition to Idle")
	}
}

func TestOwnershipDeterministicTransfer(t *testing.T) {
	var o Ownership
	o.AddSubscriber("a")
	o.AddSubscriber("b")
	o.AddSubscriber("c")

	newOwner, transferred, empty := o.RemoveSubscriber("a")
	if !transferred || newOwner != "b" || empty {
		t.Fatalf("expected earliest-joined (b) promoted, got owner=%s transferred=%v empty=%v", newOwner, transferred, empty)
	}

	_, transferred, empty = o.RemoveSubscriber("c")
	if transferred || empty {
		t.Fatalf("removing a non-owner subscriber should not transfer ownership or empty the set")
	}

	_, transferred, empty = o.RemoveSubscriber("b")
	if transferred || !empty {
		t.Fatalf("removing the last subscriber should report empty, not a transfer")
	}
}

func TestOwnerAlwaysSubsetOfSubscribers(t *testing.T) {
	var o Ownership
	o.AddSubscriber("a")
	if !o.HasOwner || o.Owner != "a" {
		t.Fatalf("first subscriber should become owner")
	}
	if !o.IsSubscriber(o.Owner) {
		t.Fatalf("invariant violated: owner must be a member of subscribers")
	}
}
