package policyadmin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mesh/pkg/policyclient"
)

func newTestAdmin(t *testing.T, mirrorDir string) (*Admin, *InMemoryStore) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := NewInMemoryStore()
	client := policyclient.New(policyclient.Config{BaseURL: srv.URL})
	return New(client, store, mirrorDir), store
}

func TestUploadPolicyPersistsRow(t *testing.T) {
	admin, store := newTestAdmin(t, "")
	policy, err := admin.UploadPolicy(context.Background(), "kb-guard", "package mesh.authz\n", 10, false)
	require.NoError(t, err)
	assert.Equal(t, "kb-guard", policy.PolicyID)
	assert.True(t, policy.Active)

	got, getErr := store.GetPolicy(context.Background(), "kb-guard")
	require.NoError(t, getErr)
	assert.Equal(t, "package mesh.authz\n", got.Body)
}

func TestUploadPolicyWritesDiskMirrorWhenPersistTrue(t *testing.T) {
	dir := t.TempDir()
	admin, _ := newTestAdmin(t, dir)

	_, err := admin.UploadPolicy(context.Background(), "kb-guard", "package mesh.authz\n", 1, true)
	require.NoError(t, err)

	content, readErr := os.ReadFile(filepath.Join(dir, "kb-guard.rego"))
	require.NoError(t, readErr)
	assert.Equal(t, "package mesh.authz\n", string(content))
}

func TestUploadPolicySkipsDiskMirrorWhenPersistFalse(t *testing.T) {
	dir := t.TempDir()
	admin, _ := newTestAdmin(t, dir)

	_, err := admin.UploadPolicy(context.Background(), "kb-guard", "package mesh.authz\n", 1, false)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "kb-guard.rego"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeletePolicyRemovesRowAndMirror(t *testing.T) {
	dir := t.TempDir()
	admin, store := newTestAdmin(t, dir)

	_, err := admin.UploadPolicy(context.Background(), "kb-guard", "package mesh.authz\n", 1, true)
	require.NoError(t, err)

	require.NoError(t, admin.DeletePolicy(context.Background(), "kb-guard"))

	_, getErr := store.GetPolicy(context.Background(), "kb-guard")
	assert.ErrorIs(t, getErr, ErrNotFound)

	_, statErr := os.Stat(filepath.Join(dir, "kb-guard.rego"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestListPoliciesReturnsAllPersisted(t *testing.T) {
	admin, _ := newTestAdmin(t, "")
	_, err := admin.UploadPolicy(context.Background(), "policy-a", "package a\n", 1, false)
	require.NoError(t, err)
	_, err2 := admin.UploadPolicy(context.Background(), "policy-b", "package b\n", 2, false)
	require.NoError(t, err2)

	policies, listErr := admin.ListPolicies(context.Background())
	require.NoError(t, listErr)
	assert.Len(t, policies, 2)
}
