package policyclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/mesh/authz", r.URL.Path)
		_, _ = w.Write([]byte(`{"result": {"allow": true, "masking_rules": ["ssn"], "policy_version": "v1"}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	decision, err := client.Evaluate(context.Background(), EvaluateInput{
		PrincipalType: "agent",
		PrincipalID:   "agent-1",
		ResourceType:  "kb",
		ResourceID:    "kb-1",
		Action:        "sql_query",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, []string{"ssn"}, decision.MaskingRules)
}

func TestEvaluateDenyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"allow": false, "reason": "deny rule matched"}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	decision, err := client.Evaluate(context.Background(), EvaluateInput{Action: "invoke"})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "deny rule matched", decision.Reason)
}

func TestEvaluateUnreachableSurfacesAsError(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Evaluate(context.Background(), EvaluateInput{Action: "invoke"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvaluatorUnavailable)
}

func TestEvaluateNon200SurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Evaluate(context.Background(), EvaluateInput{Action: "invoke"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvaluatorUnavailable)
}

func TestUploadListGetDeletePolicy(t *testing.T) {
	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			stored["kb-guard"] = "package mesh.authz\n"
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/policies":
			_, _ = w.Write([]byte(`{"result": [{"id": "kb-guard"}]}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(stored["kb-guard"]))
		case r.Method == http.MethodDelete:
			delete(stored, "kb-guard")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})

	require.NoError(t, client.UploadPolicy(context.Background(), "kb-guard", "package mesh.authz\n"))

	ids, err := client.ListPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"kb-guard"}, ids)

	content, err := client.GetPolicyContent(context.Background(), "kb-guard")
	require.NoError(t, err)
	assert.Contains(t, content, "package mesh.authz")

	require.NoError(t, client.DeletePolicy(context.Background(), "kb-guard"))
}
