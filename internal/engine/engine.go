package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine/scope"
	"fieldline/internal/events"
	"fieldline/internal/ingest"
	"fieldline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError rejects an operation before any write.
type ValidationError struct {
	Msg     string
	Details []string
}

func (e ValidationError) Error() string {
	if len(e.Details) > 0 {
		return e.Msg + ": " + strings.Join(e.Details, "; ")
	}
	return e.Msg
}

// ConflictError indicates the expected prior state no longer holds.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// --- actors ---

// Bootstrap creates the root top_admin. Only meaningful on an empty
// directory; refused once any top_admin exists.
func (e Engine) Bootstrap(ctx context.Context, name, orgScope string) (domain.Actor, error) {
	if name == "" {
		return domain.Actor{}, ValidationError{Msg: "name is required"}
	}
	a := domain.Actor{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      domain.RoleTopAdmin,
		Scope:     orgScope,
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	// checked inside the tx; a partial unique index on the role backs this up
	// against concurrent bootstraps
	n, err := e.Repo.CountActorsByRole(ctx, tx, domain.RoleTopAdmin)
	if err != nil {
		return domain.Actor{}, err
	}
	if n > 0 {
		return domain.Actor{}, ConflictError{Msg: "directory already bootstrapped"}
	}
	if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
		return domain.Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "actor.created", "", "actor", a.ID, "", a.ID, events.EventPayload{"role": a.Role}); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

// ActorCreateOptions are parameters for provisioning an actor.
type ActorCreateOptions struct {
	ID    string
	Name  string
	Role  string
	Scope string
	Phone string
	Email string
}

// RegisterActor provisions a directory actor one level below the caller.
func (e Engine) RegisterActor(ctx context.Context, p scope.Principal, opts ActorCreateOptions) (domain.Actor, error) {
	if opts.Name == "" {
		return domain.Actor{}, ValidationError{Msg: "name is required"}
	}
	switch opts.Role {
	case domain.RoleFormAdmin, domain.RoleCoordinator, domain.RoleAgent:
	default:
		return domain.Actor{}, ValidationError{Msg: fmt.Sprintf("invalid role %q", opts.Role)}
	}
	if !p.CanProvision(opts.Role) {
		return domain.Actor{}, scope.ForbiddenError{Action: "create " + opts.Role}
	}
	orgScope := opts.Scope
	if orgScope == "" {
		orgScope = p.Scope
	} else if p.Role != domain.RoleTopAdmin && orgScope != p.Scope {
		return domain.Actor{}, scope.ForbiddenError{Action: "create actor outside own scope"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := domain.Actor{
		ID:        id,
		Name:      opts.Name,
		Role:      opts.Role,
		Scope:     orgScope,
		Phone:     opts.Phone,
		Email:     opts.Email,
		CreatedBy: &p.ActorID,
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
		return domain.Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "actor.created", "", "actor", a.ID, "", p.ActorID, events.EventPayload{"role": a.Role, "scope": a.Scope}); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

// GetActor returns an actor by id. Non-admins may only read themselves and
// their own subordinates.
func (e Engine) GetActor(ctx context.Context, p scope.Principal, id string) (domain.Actor, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return domain.Actor{}, err
	}
	if p.Role == domain.RoleTopAdmin || id == p.ActorID {
		return a, nil
	}
	if a.CreatedBy != nil && *a.CreatedBy == p.ActorID {
		return a, nil
	}
	if p.Role == domain.RoleFormAdmin && a.Scope == p.Scope {
		return a, nil
	}
	return domain.Actor{}, repo.ErrNotFound
}

// ListActors returns directory actors the caller may see.
func (e Engine) ListActors(ctx context.Context, p scope.Principal, role string) ([]domain.Actor, error) {
	f := repo.ActorFilters{Role: role}
	switch p.Role {
	case domain.RoleTopAdmin:
	case domain.RoleFormAdmin:
		f.Scope = p.Scope
	default:
		f.CreatedBy = p.ActorID
	}
	return e.Repo.ListActors(ctx, f)
}

// --- forms ---

// FormCreateOptions are parameters for creating a verification form.
type FormCreateOptions struct {
	ID         string
	Name       string
	Initiative string
	Sections   []domain.FormSection
	OwnerID    string
}

// CreateForm registers a form in draft status. Admin-only; a top_admin may
// create on behalf of a form admin via OwnerID.
func (e Engine) CreateForm(ctx context.Context, p scope.Principal, opts FormCreateOptions) (domain.FormDefinition, error) {
	if opts.Name == "" {
		return domain.FormDefinition{}, ValidationError{Msg: "name is required"}
	}
	owner := p.ActorID
	switch p.Role {
	case domain.RoleFormAdmin:
		if opts.OwnerID != "" && opts.OwnerID != p.ActorID {
			return domain.FormDefinition{}, scope.ForbiddenError{Action: "create form for another owner"}
		}
	case domain.RoleTopAdmin:
		if opts.OwnerID != "" {
			owner = opts.OwnerID
		}
	default:
		return domain.FormDefinition{}, scope.ForbiddenError{Action: "create form"}
	}
	if owner != p.ActorID {
		a, err := e.Repo.GetActor(ctx, owner)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.FormDefinition{}, ValidationError{Msg: fmt.Sprintf("owner %s not found", owner)}
			}
			return domain.FormDefinition{}, err
		}
		if a.Role != domain.RoleFormAdmin {
			return domain.FormDefinition{}, ValidationError{Msg: "form owner must be a form admin"}
		}
	}
	var sectionsJSON string
	if len(opts.Sections) > 0 {
		data, err := json.Marshal(opts.Sections)
		if err != nil {
			return domain.FormDefinition{}, fmt.Errorf("marshal sections: %w", err)
		}
		sectionsJSON = string(data)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowRFC3339()
	f := domain.FormDefinition{
		ID:           id,
		Name:         opts.Name,
		Initiative:   opts.Initiative,
		SectionsJSON: sectionsJSON,
		OwnerID:      owner,
		Status:       "draft",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormDefinition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertForm(ctx, tx, f); err != nil {
		return domain.FormDefinition{}, fmt.Errorf("insert form: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "form.created", f.ID, "form", f.ID, "", p.ActorID, events.EventPayload{"name": f.Name, "status": f.Status}); err != nil {
		return domain.FormDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormDefinition{}, err
	}
	return f, nil
}

// SetFormStatus moves a form between draft, active and inactive.
func (e Engine) SetFormStatus(ctx context.Context, p scope.Principal, formID, status string) (domain.FormDefinition, error) {
	switch status {
	case "draft", "active", "inactive":
	default:
		return domain.FormDefinition{}, ValidationError{Msg: fmt.Sprintf("invalid form status %q", status)}
	}
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return domain.FormDefinition{}, err
	}
	if p.Role != domain.RoleTopAdmin && f.OwnerID != p.ActorID {
		return domain.FormDefinition{}, scope.ForbiddenError{Action: "modify form"}
	}
	if status == "draft" && f.Status != "draft" {
		has, err := e.Repo.FormHasLeads(ctx, formID)
		if err != nil {
			return domain.FormDefinition{}, err
		}
		if has {
			return domain.FormDefinition{}, ConflictError{Msg: fmt.Sprintf("form %s has leads and cannot return to draft", formID)}
		}
	}
	f.Status = status
	f.UpdatedAt = e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormDefinition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateForm(ctx, tx, f); err != nil {
		return domain.FormDefinition{}, err
	}
	if err := e.Events.Append(ctx, tx, "form.status_changed", f.ID, "form", f.ID, "", p.ActorID, events.EventPayload{"status": status}); err != nil {
		return domain.FormDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormDefinition{}, err
	}
	return f, nil
}

// GetForm returns a form the caller may see; out-of-scope ids read as missing.
func (e Engine) GetForm(ctx context.Context, p scope.Principal, id string) (domain.FormDefinition, error) {
	visible, err := e.Repo.FormVisible(ctx, p.FormScope(), id)
	if err != nil {
		return domain.FormDefinition{}, err
	}
	if !visible {
		return domain.FormDefinition{}, repo.ErrNotFound
	}
	return e.Repo.GetForm(ctx, id)
}

// ListForms returns forms within the caller's visibility.
func (e Engine) ListForms(ctx context.Context, p scope.Principal) ([]domain.FormDefinition, error) {
	return e.Repo.ListForms(ctx, p.FormScope())
}

// --- ingestion ---

// BatchResult reports a successful all-or-nothing ingestion.
type BatchResult struct {
	BatchID       string   `json:"batch_id"`
	FormID        string   `json:"form_id"`
	Count         int      `json:"count"`
	LeadIDs       []string `json:"lead_ids"`
	CoordinatorID string   `json:"coordinator_id,omitempty"`
}

// IngestBatch parses a lead batch and writes all rows in one transaction.
// A missing column or a missing required field in any row rejects the whole
// batch before anything is written. CoordinatorID optionally pre-assigns
// coordinator ownership; leads start pending either way.
func (e Engine) IngestBatch(ctx context.Context, p scope.Principal, formID, coordinatorID string, src io.Reader) (BatchResult, error) {
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return BatchResult{}, err
	}
	if p.Role != domain.RoleTopAdmin && !(p.Role == domain.RoleFormAdmin && f.OwnerID == p.ActorID) {
		return BatchResult{}, scope.ForbiddenError{Action: "ingest into form " + formID}
	}
	if f.Status != "active" {
		return BatchResult{}, ConflictError{Msg: fmt.Sprintf("form %s is %s, not active", formID, f.Status)}
	}
	if coordinatorID != "" {
		c, err := e.Repo.GetActor(ctx, coordinatorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return BatchResult{}, ValidationError{Msg: fmt.Sprintf("coordinator %s not found", coordinatorID)}
			}
			return BatchResult{}, err
		}
		if c.Role != domain.RoleCoordinator {
			return BatchResult{}, ValidationError{Msg: fmt.Sprintf("actor %s is not a coordinator", coordinatorID)}
		}
	}
	rows, err := ingest.ParseBatch(src)
	if err != nil {
		var mc ingest.MissingColumnError
		var mf ingest.MissingFieldError
		if errors.As(err, &mc) || errors.As(err, &mf) {
			return BatchResult{}, ValidationError{Msg: "batch rejected", Details: []string{err.Error()}}
		}
		return BatchResult{}, ValidationError{Msg: "batch rejected", Details: []string{err.Error()}}
	}
	if len(rows) == 0 {
		return BatchResult{}, ValidationError{Msg: "batch rejected", Details: []string{"no data rows"}}
	}

	now := e.nowRFC3339()
	batchID := uuid.NewString()
	var sections *string
	if f.SectionsJSON != "" {
		sections = &f.SectionsJSON
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, err
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		l := domain.Lead{
			ID:           uuid.NewString(),
			FormID:       formID,
			Name:         row.Name,
			Phone:        row.Phone,
			Address:      row.Address,
			City:         row.City,
			State:        row.State,
			PostalCode:   row.PostalCode,
			Status:       domain.StatusPending,
			UploadedAt:   now,
			SectionsJSON: sections,
		}
		if coordinatorID != "" {
			l.CoordinatorID = &coordinatorID
			l.CoordinatorAssignedAt = &now
		}
		if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
			return BatchResult{}, fmt.Errorf("insert lead (row %d): %w", row.Line, err)
		}
		ids = append(ids, l.ID)
	}
	scopeKey := ""
	if coordinatorID != "" {
		scopeKey = events.ScopeKey("coordinator", coordinatorID)
	}
	if err := e.Events.Append(ctx, tx, "leads.ingested", formID, "batch", batchID, scopeKey, p.ActorID, events.EventPayload{
		"count":          len(ids),
		"coordinator_id": coordinatorID,
	}); err != nil {
		return BatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{BatchID: batchID, FormID: formID, Count: len(ids), LeadIDs: ids, CoordinatorID: coordinatorID}, nil
}

// --- assignment ---

// AssignAgent hands a single lead to a field agent. Coordinator-only; the
// write lands only while the caller still owns the lead and it is not
// terminal.
func (e Engine) AssignAgent(ctx context.Context, p scope.Principal, leadID, agentID string) (domain.Lead, error) {
	if p.Role != domain.RoleCoordinator {
		return domain.Lead{}, scope.ForbiddenError{Action: "assign agent"}
	}
	if err := e.checkAgent(ctx, agentID); err != nil {
		return domain.Lead{}, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.AssignAgent(ctx, tx, leadID, agentID, p.ActorID, now)
	if err != nil {
		return domain.Lead{}, err
	}
	if n == 0 {
		return domain.Lead{}, e.classifyAssignFailure(ctx, tx, p, leadID)
	}
	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	if err := e.Events.Append(ctx, tx, "lead.assigned", l.FormID, "lead", leadID, events.ScopeKey("agent", agentID), p.ActorID, events.EventPayload{
		"agent_id": agentID,
	}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// classifyAssignFailure resolves a zero-row conditional update into the error
// the caller deserves: missing lead, lost ownership, or terminal state.
func (e Engine) classifyAssignFailure(ctx context.Context, tx *sql.Tx, p scope.Principal, leadID string) error {
	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return err
	}
	if domain.IsTerminalStatus(l.Status) {
		if l.CoordinatorID != nil && *l.CoordinatorID == p.ActorID {
			return ConflictError{Msg: fmt.Sprintf("lead %s already resolved as %s", leadID, l.Status)}
		}
	}
	return scope.ForbiddenError{Action: "assign lead " + leadID}
}

// SkippedItem explains one entry a bulk operation passed over.
type SkippedItem struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason" enum:"duplicate,not_found,unauthorized,already_resolved"`
}

// BulkAssignResult reports a best-effort bulk assignment.
type BulkAssignResult struct {
	AgentID  string        `json:"agent_id"`
	Assigned []string      `json:"assigned"`
	Skipped  []SkippedItem `json:"skipped,omitempty"`
}

// BulkAssignAgents assigns every lead named by a reference sheet to one
// agent. The sheet itself is validated whole (missing identifier column
// rejects everything before any write); individual entries then succeed or
// fail independently. Duplicate ids collapse to one attempt.
func (e Engine) BulkAssignAgents(ctx context.Context, p scope.Principal, agentID string, src io.Reader) (BulkAssignResult, error) {
	if p.Role != domain.RoleCoordinator {
		return BulkAssignResult{}, scope.ForbiddenError{Action: "assign agent"}
	}
	if err := e.checkAgent(ctx, agentID); err != nil {
		return BulkAssignResult{}, err
	}
	ids, err := ingest.ParseReferenceList(src)
	if err != nil {
		return BulkAssignResult{}, ValidationError{Msg: "reference list rejected", Details: []string{err.Error()}}
	}
	if len(ids) == 0 {
		return BulkAssignResult{}, ValidationError{Msg: "reference list rejected", Details: []string{"no lead ids"}}
	}

	res := BulkAssignResult{AgentID: agentID}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BulkAssignResult{}, err
	}
	defer tx.Rollback()

	seen := map[string]bool{}
	for _, leadID := range ids {
		if seen[leadID] {
			res.Skipped = append(res.Skipped, SkippedItem{LeadID: leadID, Reason: "duplicate"})
			continue
		}
		seen[leadID] = true
		n, err := e.Repo.AssignAgent(ctx, tx, leadID, agentID, p.ActorID, now)
		if err != nil {
			return BulkAssignResult{}, err
		}
		if n == 0 {
			res.Skipped = append(res.Skipped, SkippedItem{LeadID: leadID, Reason: e.skipReason(ctx, tx, p, leadID)})
			continue
		}
		l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
		if err != nil {
			return BulkAssignResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "lead.assigned", l.FormID, "lead", leadID, events.ScopeKey("agent", agentID), p.ActorID, events.EventPayload{
			"agent_id": agentID,
		}); err != nil {
			return BulkAssignResult{}, err
		}
		res.Assigned = append(res.Assigned, leadID)
	}
	if err := tx.Commit(); err != nil {
		return BulkAssignResult{}, err
	}
	return res, nil
}

func (e Engine) skipReason(ctx context.Context, tx *sql.Tx, p scope.Principal, leadID string) string {
	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return "not_found"
	}
	if l.CoordinatorID == nil || *l.CoordinatorID != p.ActorID {
		return "unauthorized"
	}
	if domain.IsTerminalStatus(l.Status) {
		return "already_resolved"
	}
	return "unauthorized"
}

func (e Engine) checkAgent(ctx context.Context, agentID string) error {
	a, err := e.Repo.GetActor(ctx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ValidationError{Msg: fmt.Sprintf("agent %s not found", agentID)}
		}
		return err
	}
	if a.Role != domain.RoleAgent {
		return ValidationError{Msg: fmt.Sprintf("actor %s is not an agent", agentID)}
	}
	return nil
}

func (e Engine) checkCoordinator(ctx context.Context, coordinatorID string) error {
	c, err := e.Repo.GetActor(ctx, coordinatorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ValidationError{Msg: fmt.Sprintf("coordinator %s not found", coordinatorID)}
		}
		return err
	}
	if c.Role != domain.RoleCoordinator {
		return ValidationError{Msg: fmt.Sprintf("actor %s is not a coordinator", coordinatorID)}
	}
	return nil
}

// ReassignCoordinator re-points coordinator ownership for one lead. The lead
// drops back to pending and loses its agent; terminal leads are refused.
func (e Engine) ReassignCoordinator(ctx context.Context, p scope.Principal, leadID, coordinatorID string) (domain.Lead, error) {
	if p.Role != domain.RoleTopAdmin && p.Role != domain.RoleFormAdmin {
		return domain.Lead{}, scope.ForbiddenError{Action: "reassign coordinator"}
	}
	lead, err := e.Repo.GetLeadScoped(ctx, p.LeadScope(), leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	if err := e.checkCoordinator(ctx, coordinatorID); err != nil {
		return domain.Lead{}, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	expect := lead.CoordinatorID
	n, err := e.Repo.ReassignCoordinator(ctx, tx, leadID, &coordinatorID, &expect, now)
	if err != nil {
		return domain.Lead{}, err
	}
	if n == 0 {
		cur, err := e.Repo.GetLeadTx(ctx, tx, leadID)
		if err != nil {
			return domain.Lead{}, err
		}
		if domain.IsTerminalStatus(cur.Status) {
			return domain.Lead{}, ConflictError{Msg: fmt.Sprintf("lead %s already resolved as %s", leadID, cur.Status)}
		}
		return domain.Lead{}, ConflictError{Msg: fmt.Sprintf("lead %s changed owner concurrently", leadID)}
	}
	if err := e.Events.Append(ctx, tx, "lead.reassigned", lead.FormID, "lead", leadID, events.ScopeKey("coordinator", coordinatorID), p.ActorID, events.EventPayload{
		"coordinator_id": coordinatorID,
	}); err != nil {
		return domain.Lead{}, err
	}
	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// ReassignMatch reports the fate of one contact-sheet entry.
type ReassignMatch struct {
	Line       int           `json:"line"`
	Name       string        `json:"name"`
	Phone      string        `json:"phone"`
	Matched    int           `json:"matched"`
	Reassigned []string      `json:"reassigned,omitempty"`
	Skipped    []SkippedItem `json:"skipped,omitempty"`
}

// BulkReassignResult reports a contact-sheet reassignment run.
type BulkReassignResult struct {
	CoordinatorID string          `json:"coordinator_id"`
	Matches       []ReassignMatch `json:"matches"`
}

// BulkReassignCoordinator re-points coordinator ownership for every lead
// matching the (name, phone) pairs of a contact sheet. The match is bounded
// to the target form unless matching.reassign_scope widens it. Matching on
// contact data can collide across batches, so every match is reported back
// with its match count rather than silently applied.
func (e Engine) BulkReassignCoordinator(ctx context.Context, p scope.Principal, formID, coordinatorID string, src io.Reader) (BulkReassignResult, error) {
	if p.Role != domain.RoleTopAdmin && p.Role != domain.RoleFormAdmin {
		return BulkReassignResult{}, scope.ForbiddenError{Action: "reassign coordinator"}
	}
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return BulkReassignResult{}, err
	}
	if p.Role == domain.RoleFormAdmin && f.OwnerID != p.ActorID {
		return BulkReassignResult{}, scope.ForbiddenError{Action: "reassign leads of form " + formID}
	}
	if err := e.checkCoordinator(ctx, coordinatorID); err != nil {
		return BulkReassignResult{}, err
	}
	contacts, err := ingest.ParseContactSheet(src)
	if err != nil {
		return BulkReassignResult{}, ValidationError{Msg: "contact sheet rejected", Details: []string{err.Error()}}
	}
	if len(contacts) == 0 {
		return BulkReassignResult{}, ValidationError{Msg: "contact sheet rejected", Details: []string{"no data rows"}}
	}

	matchFormID := formID
	if e.Config != nil && e.Config.Matching.ReassignScope == config.MatchScopeAny {
		matchFormID = ""
	}
	var ownedForms map[string]bool
	if matchFormID == "" && p.Role == domain.RoleFormAdmin {
		ids, err := e.Repo.ListFormIDsByOwner(ctx, p.ActorID)
		if err != nil {
			return BulkReassignResult{}, err
		}
		ownedForms = make(map[string]bool, len(ids))
		for _, id := range ids {
			ownedForms[id] = true
		}
	}

	res := BulkReassignResult{CoordinatorID: coordinatorID}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BulkReassignResult{}, err
	}
	defer tx.Rollback()

	for _, c := range contacts {
		m := ReassignMatch{Line: c.Line, Name: c.Name, Phone: c.Phone}
		ids, err := e.Repo.FindLeadIDsByContact(ctx, tx, c.Name, c.Phone, matchFormID)
		if err != nil {
			return BulkReassignResult{}, err
		}
		m.Matched = len(ids)
		for _, leadID := range ids {
			if ownedForms != nil {
				l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
				if err != nil {
					return BulkReassignResult{}, err
				}
				if !ownedForms[l.FormID] {
					m.Skipped = append(m.Skipped, SkippedItem{LeadID: leadID, Reason: "unauthorized"})
					continue
				}
			}
			n, err := e.Repo.ReassignCoordinator(ctx, tx, leadID, &coordinatorID, nil, now)
			if err != nil {
				return BulkReassignResult{}, err
			}
			if n == 0 {
				m.Skipped = append(m.Skipped, SkippedItem{LeadID: leadID, Reason: "already_resolved"})
				continue
			}
			if err := e.Events.Append(ctx, tx, "lead.reassigned", formID, "lead", leadID, events.ScopeKey("coordinator", coordinatorID), p.ActorID, events.EventPayload{
				"coordinator_id": coordinatorID,
			}); err != nil {
				return BulkReassignResult{}, err
			}
			m.Reassigned = append(m.Reassigned, leadID)
		}
		res.Matches = append(res.Matches, m)
	}
	if err := tx.Commit(); err != nil {
		return BulkReassignResult{}, err
	}
	return res, nil
}

// --- verification ---

// VerificationOptions carry an agent's field submission: two gating answers,
// the collected form payload, and an optional caller-supplied report
// reference.
type VerificationOptions struct {
	IdentityConfirmed bool
	DetailsConfirmed  bool
	ResultJSON        string
	ReportRef         string
}

// SubmitVerification records the terminal outcome for an assigned lead.
// Either gating answer negative short-circuits to rejected with a minimal
// record; both affirmative require the full payload and yield verified with a
// report reference (minted when the caller supplies none). Re-submitting a
// resolved lead returns a conflict, never a silent no-op.
func (e Engine) SubmitVerification(ctx context.Context, p scope.Principal, leadID string, opts VerificationOptions) (domain.Lead, error) {
	if p.Role != domain.RoleAgent {
		return domain.Lead{}, scope.ForbiddenError{Action: "submit verification"}
	}
	status := domain.StatusRejected
	var reportRef, resultJSON *string
	if opts.IdentityConfirmed && opts.DetailsConfirmed {
		if strings.TrimSpace(opts.ResultJSON) == "" {
			return domain.Lead{}, ValidationError{Msg: "result payload required when both confirmations are affirmative"}
		}
		if !json.Valid([]byte(opts.ResultJSON)) {
			return domain.Lead{}, ValidationError{Msg: "result payload is not valid JSON"}
		}
		status = domain.StatusVerified
		resultJSON = &opts.ResultJSON
		ref := opts.ReportRef
		if ref == "" {
			ref = "report:" + uuid.NewString()
		}
		reportRef = &ref
	} else {
		data, err := json.Marshal(map[string]bool{
			"identity_confirmed": opts.IdentityConfirmed,
			"details_confirmed":  opts.DetailsConfirmed,
		})
		if err != nil {
			return domain.Lead{}, err
		}
		s := string(data)
		resultJSON = &s
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.ResolveLead(ctx, tx, leadID, p.ActorID, status, reportRef, resultJSON, now)
	if err != nil {
		return domain.Lead{}, err
	}
	if n == 0 {
		cur, err := e.Repo.GetLeadTx(ctx, tx, leadID)
		if err != nil {
			return domain.Lead{}, err
		}
		if cur.AgentID == nil || *cur.AgentID != p.ActorID {
			// a lead outside the agent's scope reads as missing, same as the
			// fetch paths
			return domain.Lead{}, repo.ErrNotFound
		}
		if domain.IsTerminalStatus(cur.Status) {
			return domain.Lead{}, ConflictError{Msg: fmt.Sprintf("lead %s already resolved as %s", leadID, cur.Status)}
		}
		return domain.Lead{}, scope.ForbiddenError{Action: "resolve lead " + leadID}
	}
	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return domain.Lead{}, err
	}
	evtType := "lead.rejected"
	if status == domain.StatusVerified {
		evtType = "lead.verified"
	}
	scopeKey := ""
	if l.CoordinatorID != nil {
		scopeKey = events.ScopeKey("coordinator", *l.CoordinatorID)
	}
	payload := events.EventPayload{"status": status}
	if reportRef != nil {
		payload["report_ref"] = *reportRef
	}
	if err := e.Events.Append(ctx, tx, evtType, l.FormID, "lead", leadID, scopeKey, p.ActorID, payload); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// --- reads ---

// LeadListOptions are caller filters layered on top of visibility.
type LeadListOptions struct {
	FormID           string
	Status           string
	CoordinatorID    string
	AgentID          string
	Limit            int
	CursorUploadedAt string
	CursorID         string
}

// ListLeads returns leads within the caller's visibility.
func (e Engine) ListLeads(ctx context.Context, p scope.Principal, opts LeadListOptions) ([]domain.Lead, error) {
	return e.Repo.ListLeads(ctx, repo.LeadFilters{
		Scope:            p.LeadScope(),
		FormID:           opts.FormID,
		Status:           domain.NormalizeStatus(opts.Status),
		CoordinatorID:    opts.CoordinatorID,
		AgentID:          opts.AgentID,
		Limit:            opts.Limit,
		CursorUploadedAt: opts.CursorUploadedAt,
		CursorID:         opts.CursorID,
	})
}

// GetLead returns a lead the caller may see; out-of-scope ids read as missing.
func (e Engine) GetLead(ctx context.Context, p scope.Principal, id string) (domain.Lead, error) {
	return e.Repo.GetLeadScoped(ctx, p.LeadScope(), id)
}

// CountLeadsByStatus aggregates lead counts through the same visibility
// predicate the list path uses.
func (e Engine) CountLeadsByStatus(ctx context.Context, p scope.Principal, formID string) (map[string]int, error) {
	return e.Repo.CountLeadsByStatus(ctx, p.LeadScope(), formID)
}

// ListEvents returns the newest change-feed entries visible to the caller.
func (e Engine) ListEvents(ctx context.Context, p scope.Principal, limit int, cursor int64, formID, evtType string) ([]domain.Event, error) {
	vis, err := scope.EventVisibility(ctx, e.Repo, p)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.Repo.LatestEventsFrom(ctx, vis, limit, cursor, formID, evtType)
}

// EventsAfter tails the change feed from a cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, p scope.Principal, limit int, cursor int64) ([]domain.Event, error) {
	vis, err := scope.EventVisibility(ctx, e.Repo, p)
	if err != nil {
		return nil, err
	}
	return e.Repo.EventsAfter(ctx, vis, limit, cursor)
}

// --- api keys ---

// MintAPIKey creates an API key for an actor and returns the plaintext key
// once. Top admins mint for anyone; everyone else only for themselves.
func (e Engine) MintAPIKey(ctx context.Context, p scope.Principal, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		actorID = p.ActorID
	}
	if p.Role != domain.RoleTopAdmin && actorID != p.ActorID {
		return domain.APIKey{}, "", scope.ForbiddenError{Action: "mint api key for another actor"}
	}
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := "flk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "api_key", key.ID, "", p.ActorID, events.EventPayload{"actor_id": actorID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// ListAPIKeys returns an actor's keys. Top admins list for anyone; everyone
// else only their own. Hashes stay server-side, plaintext is never recoverable.
func (e Engine) ListAPIKeys(ctx context.Context, p scope.Principal, actorID string) ([]domain.APIKey, error) {
	if actorID == "" {
		actorID = p.ActorID
	}
	if p.Role != domain.RoleTopAdmin && actorID != p.ActorID {
		return nil, scope.ForbiddenError{Action: "list api keys of another actor"}
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes a key. Top admins revoke any key; everyone else only
// their own.
func (e Engine) RevokeAPIKey(ctx context.Context, p scope.Principal, keyID string) error {
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if p.Role != domain.RoleTopAdmin && key.ActorID != p.ActorID {
		return scope.ForbiddenError{Action: "revoke api key of another actor"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "apikey.revoked", "", "api_key", keyID, "", p.ActorID, events.EventPayload{"actor_id": key.ActorID}); err != nil {
		return err
	}
	return tx.Commit()
}
