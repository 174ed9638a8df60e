package policy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"phoenix/pkg/requestcontext"
	"phoenix/pkg/testutil"
)

func TestPermissionCovers(t *testing.T) {
	doc42 := Permission{Action: "read", ResourceType: "doc", ResourceID: "42"}

	assert.True(t, Permission{"read", "doc", Wildcard}.Covers(doc42))
	assert.True(t, Permission{"read", "doc", "42"}.Covers(doc42))
	assert.False(t, Permission{"read", "doc", "43"}.Covers(doc42))
	assert.False(t, Permission{"write", "doc", Wildcard}.Covers(doc42))
	assert.False(t, Permission{"read", "img", Wildcard}.Covers(doc42))
}

func TestAllows(t *testing.T) {
	p := New(WithRole("R_P05", ReadAdmin))

	guest := requestcontext.Identity{Subject: "g", Roles: []string{"guest"}}
	admin := requestcontext.Identity{Subject: "a", Roles: []string{"R_P01", "R_P05"}}
	root := requestcontext.Identity{Subject: "r", Roles: []string{"root"}}

	assert.True(t, p.Allows(guest, ReadProtected))
	assert.False(t, p.Allows(guest, ReadAdmin))
	assert.True(t, p.Allows(admin, ReadAdmin))
	assert.True(t, p.Allows(root, ReadAdmin))
}

func TestRequirePermission(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := New().RequirePermission(ReadAdmin, nil)(ok)

	testutil.Given(t, "no principal", func(t *testing.T) {
		testutil.Then(t, "401", func(t *testing.T) {
			rr := testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/", nil))
			testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
		})
	})

	testutil.Given(t, "a principal without the admin role", func(t *testing.T) {
		testutil.Then(t, "403", func(t *testing.T) {
			req := testutil.WithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "alice", "R_P00")
			rr := testutil.DoRequest(h, req)
			testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
		})
	})

	testutil.Given(t, "root", func(t *testing.T) {
		testutil.Then(t, "200", func(t *testing.T) {
			req := testutil.WithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "admin", "root")
			testutil.AssertStatusOK(t, testutil.DoRequest(h, req))
		})
	})
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RequireRole("R_P07")(ok)

	req := testutil.WithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "bob", "R_P07")
	testutil.AssertStatusOK(t, testutil.DoRequest(h, req))

	req = testutil.WithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "bob", "R_P08")
	testutil.AssertStatus(t, testutil.DoRequest(h, req), http.StatusForbidden)

	req = testutil.WithRoles(httptest.NewRequest(http.MethodGet, "/", nil), "root-user", "root")
	testutil.AssertStatusOK(t, testutil.DoRequest(h, req))
}
