// ABOUTME: Tests for identity propagation through request contexts.
// ABOUTME: Verifies round-trips and the anonymous (absent) case.

package auth

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	id := &Identity{Operator: "operator"}
	ctx := WithIdentity(context.Background(), id)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil, want identity")
	}
	if got.Operator != "operator" {
		t.Errorf("Operator = %q, want %q", got.Operator, "operator")
	}
}

func TestFromContext_Anonymous(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil for bare context", got)
	}
}
