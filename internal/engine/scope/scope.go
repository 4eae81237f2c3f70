// Package scope translates an authenticated principal into the query shapes
// that bound every read and write. Visibility is decided in one place so that
// list, get and count paths can never disagree about who sees what.
package scope

import (
	"context"
	"fmt"

	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// Principal is the authenticated caller: a directory actor plus the role and
// scope resolved when the credential was minted.
type Principal struct {
	ActorID string
	Role    string
	Scope   string
}

// ForbiddenError indicates the principal's role does not admit the action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role not permitted to %s", e.Action)
}

// CanProvision reports whether the principal may create an actor with the
// given role. Each role provisions exactly the level below it.
func (p Principal) CanProvision(role string) bool {
	switch p.Role {
	case domain.RoleTopAdmin:
		return role == domain.RoleFormAdmin
	case domain.RoleFormAdmin:
		return role == domain.RoleCoordinator
	case domain.RoleCoordinator:
		return role == domain.RoleAgent
	default:
		return false
	}
}

// LeadScope returns the lead visibility shape for the principal. Unknown
// roles produce the empty scope, which matches nothing.
func (p Principal) LeadScope() repo.LeadScope {
	switch p.Role {
	case domain.RoleTopAdmin:
		return repo.LeadScope{All: true}
	case domain.RoleFormAdmin:
		return repo.LeadScope{FormOwnerID: p.ActorID}
	case domain.RoleCoordinator:
		return repo.LeadScope{CoordinatorID: p.ActorID}
	case domain.RoleAgent:
		return repo.LeadScope{AgentID: p.ActorID}
	default:
		return repo.LeadScope{}
	}
}

// FormScope returns the form visibility shape for the principal.
func (p Principal) FormScope() repo.FormScope {
	switch p.Role {
	case domain.RoleTopAdmin:
		return repo.FormScope{All: true}
	case domain.RoleFormAdmin:
		return repo.FormScope{OwnerID: p.ActorID}
	case domain.RoleCoordinator:
		return repo.FormScope{CoordinatorID: p.ActorID}
	case domain.RoleAgent:
		return repo.FormScope{AgentID: p.ActorID}
	default:
		return repo.FormScope{}
	}
}

// FeedKey returns the scope key this principal's own activity is routed
// under, or "" for roles addressed by form id instead.
func (p Principal) FeedKey() string {
	switch p.Role {
	case domain.RoleCoordinator:
		return "coordinator:" + p.ActorID
	case domain.RoleAgent:
		return "agent:" + p.ActorID
	default:
		return ""
	}
}

// EventVisibility resolves the principal into an event filter. Form admins
// need their owned form ids looked up, so this takes the repo.
func EventVisibility(ctx context.Context, r repo.Repo, p Principal) (repo.EventVisibility, error) {
	switch p.Role {
	case domain.RoleTopAdmin:
		return repo.EventVisibility{All: true}, nil
	case domain.RoleFormAdmin:
		ids, err := r.ListFormIDsByOwner(ctx, p.ActorID)
		if err != nil {
			return repo.EventVisibility{}, err
		}
		return repo.EventVisibility{FormIDs: ids}, nil
	case domain.RoleCoordinator, domain.RoleAgent:
		return repo.EventVisibility{ScopeKeys: []string{p.FeedKey()}}, nil
	default:
		return repo.EventVisibility{}, nil
	}
}
