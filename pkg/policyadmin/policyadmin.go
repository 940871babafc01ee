// Package policyadmin wraps pkg/policyclient's upload/list/delete calls
// with persistence: a policies row (spec.md §3) plus an optional
// on-disk rego mirror, mirroring the teacher's
// core/pkg/capabilities.FileBlobStore atomic-write idiom.
package policyadmin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/policyclient"
)

// Store persists Policy rows. The registry package's InMemoryStore and
// PostgresStore pattern is not reused here directly since policies are a
// distinct table with different lifecycle (precedence, active flag).
type Store interface {
	UpsertPolicy(ctx context.Context, policy meshrpc.Policy) error
	GetPolicy(ctx context.Context, policyID string) (meshrpc.Policy, error)
	ListPolicies(ctx context.Context) ([]meshrpc.Policy, error)
	DeletePolicy(ctx context.Context, policyID string) error
}

// Admin wires policyclient calls to a Store and an optional disk mirror.
type Admin struct {
	client  *policyclient.Client
	store   Store
	mirror  string // directory for {policy_id}.rego files; empty disables it
	nowFunc func() time.Time
}

// New creates an Admin. mirrorDir may be empty to disable the disk mirror.
func New(client *policyclient.Client, store Store, mirrorDir string) *Admin {
	return &Admin{client: client, store: store, mirror: mirrorDir, nowFunc: time.Now}
}

// UploadPolicy uploads body to the evaluator, persists the policies row,
// and, when persist is true and a mirror directory is configured, writes
// {policy_id}.rego to disk.
func (a *Admin) UploadPolicy(ctx context.Context, policyID, body string, precedence int, persist bool) (meshrpc.Policy, error) {
	if err := a.client.UploadPolicy(ctx, policyID, body); err != nil {
		return meshrpc.Policy{}, err
	}

	now := a.nowFunc().UTC()
	existing, err := a.store.GetPolicy(ctx, policyID)
	createdAt := now
	if err == nil {
		createdAt = existing.CreatedAt
	}

	policy := meshrpc.Policy{
		PolicyID:   policyID,
		Body:       body,
		Precedence: precedence,
		Active:     true,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
	if err := a.store.UpsertPolicy(ctx, policy); err != nil {
		return meshrpc.Policy{}, fmt.Errorf("policyadmin: persist policy: %w", err)
	}

	if persist && a.mirror != "" {
		if err := a.writeMirror(policyID, body); err != nil {
			return meshrpc.Policy{}, fmt.Errorf("policyadmin: mirror policy to disk: %w", err)
		}
	}

	return policy, nil
}

// ListPolicies returns every persisted policy row.
func (a *Admin) ListPolicies(ctx context.Context) ([]meshrpc.Policy, error) {
	return a.store.ListPolicies(ctx)
}

// GetPolicy returns a single persisted policy row.
func (a *Admin) GetPolicy(ctx context.Context, policyID string) (meshrpc.Policy, error) {
	return a.store.GetPolicy(ctx, policyID)
}

// GetPolicyContent returns the live rego source from the evaluator
// (authoritative, not the persisted mirror).
func (a *Admin) GetPolicyContent(ctx context.Context, policyID string) (string, error) {
	return a.client.GetPolicyContent(ctx, policyID)
}

// DeletePolicy removes the policy from the evaluator, the store, and the
// disk mirror (if present).
func (a *Admin) DeletePolicy(ctx context.Context, policyID string) error {
	if err := a.client.DeletePolicy(ctx, policyID); err != nil {
		return err
	}
	if err := a.store.DeletePolicy(ctx, policyID); err != nil {
		return fmt.Errorf("policyadmin: delete policy row: %w", err)
	}
	if a.mirror != "" {
		path := filepath.Join(a.mirror, policyID+".rego")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("policyadmin: remove policy mirror: %w", err)
		}
	}
	return nil
}

func (a *Admin) writeMirror(policyID, body string) error {
	if err := os.MkdirAll(a.mirror, 0755); err != nil {
		return err
	}
	path := filepath.Join(a.mirror, policyID+".rego")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(body), 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
