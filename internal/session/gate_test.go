package session

import "testing"

func TestGateDisabledLetsEveryoneIn(t *testing.T) {
	g := NewGate("")
	if g.Enabled() {
		t.Fatalf("empty password must disable the gate")
	}
	if !g.IsAuthenticated(1) {
		t.Fatalf("disabled gate must authenticate everyone")
	}
}

func TestGateLogin(t *testing.T) {
	g := NewGate("s3cret")

	if g.IsAuthenticated(1) {
		t.Fatalf("user must start unauthenticated")
	}
	if g.Login(1, "wrong") {
		t.Fatalf("wrong password accepted")
	}
	if !g.Login(1, "s3cret") {
		t.Fatalf("right password rejected")
	}
	if !g.IsAuthenticated(1) || g.IsAuthenticated(2) {
		t.Fatalf("authentication must be per user")
	}
	g.Logout(1)
	if g.IsAuthenticated(1) {
		t.Fatalf("logout did not clear the session")
	}
}
