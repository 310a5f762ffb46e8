package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/expr"
)

func newTestValidator(t *testing.T, policies ...config.URLPolicy) *validator {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	v := newValidator(env)
	require.NoError(t, v.setPolicies(policies))
	return v
}

func TestAdmitJSONGuard(t *testing.T) {
	v := newTestValidator(t)
	policy := config.URLPolicy{Path: "/j", Content: config.ContentJSON}

	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"object", `{"a":1}`, false},
		{"object with whitespace", "  {\"a\":1}\n", false},
		{"literal null", `null`, true},
		{"quoted null", `"null"`, true},
		{"empty", ``, true},
		{"array", `[1,2]`, true},
		{"scalar", `42`, true},
		{"not json", `hello`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.admit(policy, "/j", "/j", []byte(tc.payload))
			if tc.wantErr {
				require.Error(t, err)
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAdmitCSVGuard(t *testing.T) {
	v := newTestValidator(t)
	policy := config.URLPolicy{Path: "/c", Content: config.ContentCSV}

	require.NoError(t, v.admit(policy, "/c", "/c", []byte("a,b,c,d,e")))
	require.Error(t, v.admit(policy, "/c", "/c", []byte("a,b,c")))
	require.Error(t, v.admit(policy, "/c", "/c", []byte("")))
	require.Error(t, v.admit(policy, "/c", "/c", []byte("   ")))
}

func TestAdmitWithoutGuardAcceptsAnything(t *testing.T) {
	v := newTestValidator(t)
	require.NoError(t, v.admit(config.URLPolicy{}, "/free", "/free", []byte("null")))
}

func TestAdmitCELExpression(t *testing.T) {
	policy := config.URLPolicy{
		Path:     "/cel",
		Validate: `payload.kind == "summary"`,
	}
	v := newTestValidator(t, policy)

	require.NoError(t, v.admit(policy, "/cel", "/cel", []byte(`{"kind":"summary"}`)))

	err := v.admit(policy, "/cel", "/cel", []byte(`{"kind":"detail"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestAdmitCELSeesStringPayload(t *testing.T) {
	policy := config.URLPolicy{
		Path:     "/text",
		Validate: `payload.contains(",")`,
	}
	v := newTestValidator(t, policy)

	require.NoError(t, v.admit(policy, "/text", "/text", []byte("a,b")))
	require.Error(t, v.admit(policy, "/text", "/text", []byte("ab")))
}

func TestSetPoliciesReplacesPrograms(t *testing.T) {
	policy := config.URLPolicy{Path: "/p", Validate: `payload.ok == true`}
	v := newTestValidator(t, policy)
	require.Error(t, v.admit(policy, "/p", "/p", []byte(`{"ok":false}`)))

	require.NoError(t, v.setPolicies(nil))
	require.NoError(t, v.admit(config.URLPolicy{Path: "/p"}, "/p", "/p", []byte(`{"ok":false}`)))
}
