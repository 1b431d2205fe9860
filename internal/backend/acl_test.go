package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateACL(t *testing.T) {
	admin := Caller{Username: "admin1", IsAdmin: true, Groups: []string{"opsiadmin"}}
	user := Caller{Username: "user1", Groups: []string{"users"}}
	host := Caller{HostID: "client1.example.org"}
	depot := Caller{HostID: "depot1.example.org", IsDepot: true}
	anonymous := Caller{}

	tests := []struct {
		name     string
		entries  []ACLEntry
		caller   Caller
		wantErr  bool
		wantSelf bool
	}{
		{name: "allow all matches anonymous", entries: ACLAllowAll(), caller: anonymous},
		{name: "authenticated rejects anonymous", entries: ACLAuthenticated(), caller: anonymous, wantErr: true},
		{name: "authenticated matches user", entries: ACLAuthenticated(), caller: user},
		{name: "authenticated matches host", entries: ACLAuthenticated(), caller: host},
		{name: "admin only rejects user", entries: ACLAdminOnly(), caller: user, wantErr: true},
		{name: "admin only matches admin", entries: ACLAdminOnly(), caller: admin},
		{name: "admin or self gives host self", entries: ACLAdminOrSelf(), caller: host, wantSelf: true},
		{name: "admin or self gives admin full", entries: ACLAdminOrSelf(), caller: admin},
		{name: "admin or self rejects plain user", entries: ACLAdminOrSelf(), caller: user, wantErr: true},
		{
			name:    "deny beats later allow",
			entries: []ACLEntry{{Kind: ACLDeny, Principal: "group:users"}, {Kind: ACLAllow, Principal: "all"}},
			caller:  user,
			wantErr: true,
		},
		{
			name:    "user glob",
			entries: []ACLEntry{{Kind: ACLAllow, Principal: "user:adm*"}},
			caller:  Caller{Username: "admin1"},
		},
		{
			name:    "host glob",
			entries: []ACLEntry{{Kind: ACLAllow, Principal: "host:*.example.org"}},
			caller:  host,
		},
		{
			name:    "depot principal",
			entries: []ACLEntry{{Kind: ACLAllow, Principal: "depot"}},
			caller:  depot,
		},
		{
			name:    "self never matches users",
			entries: []ACLEntry{{Kind: ACLSelf, Principal: "host"}},
			caller:  user,
			wantErr: true,
		},
		{name: "empty vector denies", entries: nil, caller: admin, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := EvaluateACL(tt.entries, tt.caller)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindPermission, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSelf, decision.SelfOnly)
		})
	}
}

func TestFilterAttributes(t *testing.T) {
	decision := ACLDecision{Attributes: []string{"description"}}
	result := FilterAttributes(map[string]interface{}{
		"id":          "client1.example.org",
		"type":        "OpsiClient",
		"description": "Test",
		"opsiHostKey": "secret",
	}, decision)

	m := result.(map[string]interface{})
	assert.Equal(t, "client1.example.org", m["id"], "identity attributes survive")
	assert.Equal(t, "Test", m["description"])
	_, hasKey := m["opsiHostKey"]
	assert.False(t, hasKey)
}

func TestFilterAttributesDenied(t *testing.T) {
	decision := ACLDecision{DeniedAttributes: []string{"opsiHostKey"}}
	result := FilterAttributes([]interface{}{
		map[string]interface{}{"id": "a", "opsiHostKey": "secret"},
		map[string]interface{}{"id": "b"},
	}, decision)

	list := result.([]interface{})
	_, hasKey := list[0].(map[string]interface{})["opsiHostKey"]
	assert.False(t, hasKey)
	assert.Equal(t, "b", list[1].(map[string]interface{})["id"])
}

func TestFilterAttributesPassthrough(t *testing.T) {
	assert.Equal(t, 42, FilterAttributes(42, ACLDecision{Attributes: []string{"x"}}))
	v := map[string]interface{}{"a": 1}
	assert.Equal(t, v, FilterAttributes(v, ACLDecision{}))
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFoundf("x")))
	assert.Equal(t, "BackendMissingDataError", ClassOf(NotFoundf("x")))
	assert.Equal(t, "BackendPermissionDeniedError", ClassOf(PermissionDeniedf("x")))
	assert.Equal(t, "BackendBadValueError", ClassOf(BadValuef("x")))
	assert.Equal(t, "BackendAuthenticationError", ClassOf(Authenticationf("x")))
	assert.Equal(t, "BackendUnaccomplishableError", ClassOf(Unaccomplishablef("x")))
	assert.Equal(t, "BackendError", ClassOf(assert.AnError))
}
