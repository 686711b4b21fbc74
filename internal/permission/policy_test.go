package permission

import "testing"

func TestAnonymousDeniedUnlessOpenMode(t *testing.T) {
	closed := New(false)
	open := New(true)
	acl := SessionACL{OwnerIdentity: "alice"}

	if closed.Check(Subject{Role: Anonymous}, acl, ActionWrite) {
		t.Fatal("expected Anonymous write denied in closed mode")
	}
	if !open.Check(Subject{Role: Anonymous}, acl, ActionWrite) {
		t.Fatal("expected Anonymous write allowed in open mode")
	}
	if !closed.Check(Subject{Role: Anonymous}, acl, ActionRead) {
		t.Fatal("expected read always permitted")
	}
}

func TestViewerAlwaysDeniedWrite(t *testing.T) {
	p := New(false)
	acl := SessionACL{OwnerIdentity: "viewer-1"}
	if p.Check(Subject{Identity: "viewer-1", Role: Viewer}, acl, ActionWrite) {
		t.Fatal("expected Viewer denied even when identity matches owner")
	}
}

func TestOwnerIdentityMatchAllowed(t *testing.T) {
	p := New(false)
	acl := SessionACL{OwnerIdentity: "alice"}
	if !p.Check(Subject{Identity: "alice", Role: User}, acl, ActionWrite) {
		t.Fatal("expected owner identity match allowed")
	}
}

func TestSupervisorAndOwnerRolesAlwaysAllowed(t *testing.T) {
	p := New(false)
	acl := SessionACL{OwnerIdentity: "someone-else"}
	if !p.Check(Subject{Identity: "bob", Role: Supervisor}, acl, ActionWrite) {
		t.Fatal("expected Supervisor allowed")
	}
	if !p.Check(Subject{Identity: "bob", Role: Owner}, acl, ActionClose) {
		t.Fatal("expected Owner role allowed")
	}
}

func TestAllowedIdentitiesGlobMatch(t *testing.T) {
	p := New(false)
	acl := SessionACL{
		OwnerIdentity:     "alice",
		AllowedIdentities: []string{"*@corp.example"},
	}
	if !p.Check(Subject{Identity: "bob@corp.example", Role: User}, acl, ActionWrite) {
		t.Fatal("expected glob-matched identity allowed")
	}
	if p.Check(Subject{Identity: "bob@other.example", Role: User}, acl, ActionWrite) {
		t.Fatal("expected non-matching identity denied")
	}
}

func TestAllowAnyAuthenticated(t *testing.T) {
	p := New(false)
	acl := SessionACL{OwnerIdentity: "alice", AllowAnyAuthenticated: true}
	if !p.Check(Subject{Identity: "carol", Role: User}, acl, ActionWrite) {
		t.Fatal("expected allow-any-authenticated to permit a User")
	}
	if p.Check(Subject{Identity: "", Role: Viewer}, acl, ActionWrite) {
		t.Fatal("expected Viewer still denied under allow-any-authenticated")
	}
}

func TestDeniedByDefault(t *testing.T) {
	p := New(false)
	acl := SessionACL{OwnerIdentity: "alice"}
	if p.Check(Subject{Identity: "mallory", Role: User}, acl, ActionWrite) {
		t.Fatal("expected default deny for unrelated identity")
	}
}
