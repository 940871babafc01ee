// Package directory implements the read-only catalog query described in
// spec.md §4.3: mesh.directory.query fans out to registry.Registry's
// agent/kb listers and assembles total_count and filters_applied.
package directory

import (
	"context"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
)

// DefaultLimit is substituted when a query omits limit entirely.
const DefaultLimit = 100

// Directory answers mesh.directory.query requests against a registry.
type Directory struct {
	registry *registry.Registry
}

// New creates a Directory over reg.
func New(reg *registry.Registry) *Directory {
	return &Directory{registry: reg}
}

// Query resolves a DirectoryQueryRequest. A nil Limit defaults to
// DefaultLimit; an explicit Limit of 0 means the caller wants an empty
// result set reflecting the filter's total_count, not "unlimited". The
// registry is always listed without a limit (Limit -1) so total_count
// counts every match; the resolved limit is then applied to the returned
// slices here.
func (d *Directory) Query(ctx context.Context, req meshrpc.DirectoryQueryRequest) (meshrpc.DirectoryQueryReply, *meshrpc.Error) {
	limit := resolveLimit(req.Limit)

	filtersApplied := map[string]any{}
	if req.CapabilityFilter != "" {
		filtersApplied["capability_filter"] = req.CapabilityFilter
	}
	if req.KBTypeFilter != "" {
		filtersApplied["kb_type_filter"] = req.KBTypeFilter
	}
	if req.StatusFilter != "" {
		filtersApplied["status_filter"] = req.StatusFilter
	}
	if req.Limit != nil {
		filtersApplied["limit"] = *req.Limit
	}

	switch req.Type {
	case "", "both":
		agents, err := d.registry.ListAgents(ctx, registry.AgentFilter{
			Capability: req.CapabilityFilter,
			Status:     req.StatusFilter,
			Limit:      -1,
		})
		if err != nil {
			return meshrpc.DirectoryQueryReply{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
		}
		kbs, err := d.registry.ListKBs(ctx, registry.KBFilter{
			KBType: req.KBTypeFilter,
			Status: req.StatusFilter,
			Limit:  -1,
		})
		if err != nil {
			return meshrpc.DirectoryQueryReply{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
		}
		return meshrpc.DirectoryQueryReply{
			Agents:         capAgents(agents, limit),
			KBs:            capKBs(kbs, limit),
			TotalCount:     len(agents) + len(kbs),
			FiltersApplied: filtersApplied,
		}, nil

	case "agents":
		all, err := d.registry.ListAgents(ctx, registry.AgentFilter{
			Capability: req.CapabilityFilter,
			Status:     req.StatusFilter,
			Limit:      -1,
		})
		if err != nil {
			return meshrpc.DirectoryQueryReply{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
		}
		return meshrpc.DirectoryQueryReply{
			Agents:         capAgents(all, limit),
			TotalCount:     len(all),
			FiltersApplied: filtersApplied,
		}, nil

	case "kbs":
		all, err := d.registry.ListKBs(ctx, registry.KBFilter{
			KBType: req.KBTypeFilter,
			Status: req.StatusFilter,
			Limit:  -1,
		})
		if err != nil {
			return meshrpc.DirectoryQueryReply{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
		}
		return meshrpc.DirectoryQueryReply{
			KBs:            capKBs(all, limit),
			TotalCount:     len(all),
			FiltersApplied: filtersApplied,
		}, nil

	default:
		return meshrpc.DirectoryQueryReply{}, meshrpc.NewError(meshrpc.ErrValidation,
			`type must be "agents", "kbs", or "both"`)
	}
}

func resolveLimit(limit *int) int {
	if limit == nil {
		return DefaultLimit
	}
	if *limit == 0 {
		return 0
	}
	if *limit < 0 {
		return -1
	}
	return *limit
}

// capAgents and capKBs apply the resolved limit to the already-fetched,
// unlimited match set. total_count (spec.md §8 boundary behaviors)
// always reflects the full filtered match count, so the limit can only
// be applied here, after the count has been taken.
func capAgents(all []meshrpc.Agent, limit int) []meshrpc.Agent {
	if limit < 0 || limit >= len(all) {
		return all
	}
	return all[:limit]
}

func capKBs(all []meshrpc.KB, limit int) []meshrpc.KB {
	if limit < 0 || limit >= len(all) {
		return all
	}
	return all[:limit]
}
