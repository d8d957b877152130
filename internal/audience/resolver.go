// Package audience resolves a task's targeting to recipient ids.
package audience

import (
	"context"
	"errors"
	"fmt"

	"pushflow/internal/domain"
)

var ErrEmptyAudience = errors.New("audience resolved to no recipients")

// Directory is the audience-directory collaborator. Both lookups must
// exclude non-active accounts.
type Directory interface {
	ActiveRecipients(ctx context.Context) ([]string, error)
	ActiveRecipientsByRole(ctx context.Context, roleIDs []string) ([]string, error)
}

type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver { return &Resolver{dir: dir} }

// Resolve returns the deduplicated recipient set for a target type.
// Specific and role targets fail with ErrEmptyAudience when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, target domain.TargetType, userIDs, roleIDs []string) ([]string, error) {
	switch target {
	case domain.TargetAll:
		ids, err := r.dir.ActiveRecipients(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve all: %w", err)
		}
		return dedup(ids), nil
	case domain.TargetSpecific:
		ids := dedup(userIDs)
		if len(ids) == 0 {
			return nil, ErrEmptyAudience
		}
		return ids, nil
	case domain.TargetRole:
		if len(roleIDs) == 0 {
			return nil, ErrEmptyAudience
		}
		ids, err := r.dir.ActiveRecipientsByRole(ctx, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve roles: %w", err)
		}
		ids = dedup(ids)
		if len(ids) == 0 {
			return nil, ErrEmptyAudience
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown target type %q", string(target))
	}
}

// dedup keeps first-occurrence order; a recipient matching via multiple
// paths is still delivered to once.
func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
