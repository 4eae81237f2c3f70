package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const leadColumns = `id,form_id,name,phone,address,city,state,postal_code,status,coordinator_id,agent_id,coordinator_assigned_at,agent_assigned_at,uploaded_at,resolved_at,report_ref,sections_json,result_json`

// LeadScope is the query shape produced by the visibility filter. Exactly one
// branch is populated per principal; an empty scope matches nothing.
type LeadScope struct {
	All           bool
	FormOwnerID   string
	CoordinatorID string
	AgentID       string
}

func (s LeadScope) clause(args *[]any) string {
	switch {
	case s.All:
		return ""
	case s.FormOwnerID != "":
		*args = append(*args, s.FormOwnerID)
		return "form_id IN (SELECT id FROM forms WHERE owner_id=?)"
	case s.CoordinatorID != "":
		*args = append(*args, s.CoordinatorID)
		return "coordinator_id=?"
	case s.AgentID != "":
		*args = append(*args, s.AgentID)
		return "agent_id=?"
	default:
		return "1=0"
	}
}

// FormScope mirrors LeadScope for the form registry: coordinators and agents
// see the forms their leads reference.
type FormScope struct {
	All           bool
	OwnerID       string
	CoordinatorID string
	AgentID       string
}

func (s FormScope) clause(args *[]any) string {
	switch {
	case s.All:
		return ""
	case s.OwnerID != "":
		*args = append(*args, s.OwnerID)
		return "owner_id=?"
	case s.CoordinatorID != "":
		*args = append(*args, s.CoordinatorID)
		return "id IN (SELECT DISTINCT form_id FROM leads WHERE coordinator_id=?)"
	case s.AgentID != "":
		*args = append(*args, s.AgentID)
		return "id IN (SELECT DISTINCT form_id FROM leads WHERE agent_id=?)"
	default:
		return "1=0"
	}
}

// --- forms ---

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.FormDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO forms(id,name,initiative,sections_json,owner_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, nullable(f.Initiative), nullable(f.SectionsJSON), f.OwnerID, f.Status, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.FormDefinition, error) {
	var f domain.FormDefinition
	var initiative, sections sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,initiative,sections_json,owner_id,status,created_at,updated_at FROM forms WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &initiative, &sections, &f.OwnerID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if initiative.Valid {
		f.Initiative = initiative.String
	}
	if sections.Valid {
		f.SectionsJSON = sections.String
	}
	return f, nil
}

func (r Repo) UpdateForm(ctx context.Context, tx *sql.Tx, f domain.FormDefinition) error {
	res, err := tx.ExecContext(ctx, `UPDATE forms SET name=?, initiative=?, sections_json=?, status=?, updated_at=? WHERE id=?`,
		f.Name, nullable(f.Initiative), nullable(f.SectionsJSON), f.Status, f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListForms(ctx context.Context, scope FormScope) ([]domain.FormDefinition, error) {
	var args []any
	where := ""
	if c := scope.clause(&args); c != "" {
		where = "WHERE " + c
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,initiative,sections_json,owner_id,status,created_at,updated_at FROM forms `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormDefinition
	for rows.Next() {
		var f domain.FormDefinition
		var initiative, sections sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &initiative, &sections, &f.OwnerID, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if initiative.Valid {
			f.Initiative = initiative.String
		}
		if sections.Valid {
			f.SectionsJSON = sections.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ListFormIDsByOwner returns the ids of every form an admin owns. Used to
// translate form-admin visibility into an event filter.
func (r Repo) ListFormIDsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM forms WHERE owner_id=?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FormVisible applies the scope predicate to a single form fetch.
func (r Repo) FormVisible(ctx context.Context, scope FormScope, id string) (bool, error) {
	var args []any
	clauses := []string{"id=?"}
	args = append(args, id)
	if c := scope.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM forms WHERE `+strings.Join(clauses, " AND ")+` LIMIT 1`, args...)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- leads ---

func scanLead(scan func(...any) error) (domain.Lead, error) {
	var l domain.Lead
	var coordID, agentID, coordAt, agentAt, resolvedAt, reportRef, sections, result sql.NullString
	err := scan(&l.ID, &l.FormID, &l.Name, &l.Phone, &l.Address, &l.City, &l.State, &l.PostalCode, &l.Status,
		&coordID, &agentID, &coordAt, &agentAt, &l.UploadedAt, &resolvedAt, &reportRef, &sections, &result)
	if err != nil {
		return l, err
	}
	if coordID.Valid {
		l.CoordinatorID = &coordID.String
	}
	if agentID.Valid {
		l.AgentID = &agentID.String
	}
	if coordAt.Valid {
		l.CoordinatorAssignedAt = &coordAt.String
	}
	if agentAt.Valid {
		l.AgentAssignedAt = &agentAt.String
	}
	if resolvedAt.Valid {
		l.ResolvedAt = &resolvedAt.String
	}
	if reportRef.Valid {
		l.ReportRef = &reportRef.String
	}
	if sections.Valid {
		l.SectionsJSON = &sections.String
	}
	if result.Valid {
		l.ResultJSON = &result.String
	}
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.FormID, l.Name, l.Phone, l.Address, l.City, l.State, l.PostalCode, l.Status,
		nullableStringPtr(l.CoordinatorID), nullableStringPtr(l.AgentID),
		nullableStringPtr(l.CoordinatorAssignedAt), nullableStringPtr(l.AgentAssignedAt),
		l.UploadedAt, nullableStringPtr(l.ResolvedAt), nullableStringPtr(l.ReportRef),
		nullableStringPtr(l.SectionsJSON), nullableStringPtr(l.ResultJSON))
	return err
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	l, err := scanLead(row.Scan)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

type LeadFilters struct {
	Scope            LeadScope
	FormID           string
	Status           string
	CoordinatorID    string
	AgentID          string
	Limit            int
	CursorUploadedAt string
	CursorID         string
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if c := f.Scope.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	if f.FormID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, f.FormID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CoordinatorID != "" {
		clauses = append(clauses, "coordinator_id=?")
		args = append(args, f.CoordinatorID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.CursorUploadedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(uploaded_at < ? OR (uploaded_at = ? AND id < ?))")
		args = append(args, f.CursorUploadedAt, f.CursorUploadedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + leadColumns + ` FROM leads ` + where + ` ORDER BY uploaded_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// GetLeadScoped fetches a lead only if the scope predicate admits it. An
// out-of-scope id is indistinguishable from a missing one.
func (r Repo) GetLeadScoped(ctx context.Context, scope LeadScope, id string) (domain.Lead, error) {
	var args []any
	clauses := []string{"id=?"}
	args = append(args, id)
	if c := scope.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE `+strings.Join(clauses, " AND "), args...)
	l, err := scanLead(row.Scan)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) CountLeadsByStatus(ctx context.Context, scope LeadScope, formID string) (map[string]int, error) {
	var clauses []string
	var args []any
	if c := scope.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	if formID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, formID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM leads `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// AssignAgent is the conditional update for individual assignment: the write
// lands only if the acting coordinator still owns the lead and the lead is not
// terminal. Returns the number of rows changed; 0 means the caller lost the
// race or never owned the lead.
func (r Repo) AssignAgent(ctx context.Context, tx *sql.Tx, leadID, agentID, coordinatorID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET agent_id=?, agent_assigned_at=?, status=?
WHERE id=? AND coordinator_id=? AND status IN (?,?)`,
		agentID, now, domain.StatusAssigned,
		leadID, coordinatorID, domain.StatusPending, domain.StatusAssigned)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReassignCoordinator conditionally re-points coordinator ownership. The agent
// is cleared and the lead returns to pending, since the old agent falls
// outside the new coordinator's scope. Terminal leads are never touched; when
// expectCoordinator is non-nil the write additionally requires the current
// owner to match (nil pointer target means "expect unassigned").
func (r Repo) ReassignCoordinator(ctx context.Context, tx *sql.Tx, leadID string, coordinatorID *string, expectCoordinator **string, now string) (int64, error) {
	clauses := []string{"id=?", "status IN (?,?)"}
	args := []any{
		nullableStringPtr(coordinatorID), now, domain.StatusPending,
		leadID, domain.StatusPending, domain.StatusAssigned,
	}
	if expectCoordinator != nil {
		if *expectCoordinator == nil {
			clauses = append(clauses, "coordinator_id IS NULL")
		} else {
			clauses = append(clauses, "coordinator_id=?")
			args = append(args, **expectCoordinator)
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE leads SET coordinator_id=?, coordinator_assigned_at=?, agent_id=NULL, agent_assigned_at=NULL, status=?
WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveLead is the conditional terminal transition: only the assigned agent
// may resolve, and only out of the assigned state.
func (r Repo) ResolveLead(ctx context.Context, tx *sql.Tx, leadID, agentID, status string, reportRef, resultJSON *string, resolvedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET status=?, report_ref=?, result_json=?, resolved_at=?
WHERE id=? AND agent_id=? AND status=?`,
		status, nullableStringPtr(reportRef), nullableStringPtr(resultJSON), resolvedAt,
		leadID, agentID, domain.StatusAssigned)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindLeadIDsByContact returns lead ids matching a (name, phone) pair, bounded
// to a form when formID is non-empty. Used by the contact-sheet reassignment
// path; callers decide what multiple matches mean.
func (r Repo) FindLeadIDsByContact(ctx context.Context, tx *sql.Tx, name, phone, formID string) ([]string, error) {
	clauses := []string{"name=?", "phone=?"}
	args := []any{name, phone}
	if formID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, formID)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM leads WHERE `+strings.Join(clauses, " AND ")+` ORDER BY uploaded_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FormHasLeads reports whether any lead references the form.
func (r Repo) FormHasLeads(ctx context.Context, formID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM leads WHERE form_id=? LIMIT 1`, formID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- events ---

// EventVisibility restricts event queries to what a principal may observe.
// ScopeKeys and FormIDs are OR-combined: an assignment event carries the
// coordinator's scope key, while the owning admin reaches it via form_id.
type EventVisibility struct {
	All       bool
	ScopeKeys []string
	FormIDs   []string
}

func (v EventVisibility) clause(args *[]any) string {
	if v.All {
		return ""
	}
	var parts []string
	if len(v.ScopeKeys) > 0 {
		parts = append(parts, scopeKeyClause(v.ScopeKeys, args))
	}
	if len(v.FormIDs) > 0 {
		placeholders := make([]string, 0, len(v.FormIDs))
		for _, id := range v.FormIDs {
			placeholders = append(placeholders, "?")
			*args = append(*args, id)
		}
		parts = append(parts, "form_id IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(parts) == 0 {
		return "1=0"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// LatestEventsFrom returns events newest-first, paged by a descending id
// cursor. formID and evtType are caller filters layered on top of visibility.
func (r Repo) LatestEventsFrom(ctx context.Context, vis EventVisibility, limit int, cursor int64, formID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if c := vis.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	if formID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, formID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,form_id,resource_kind,resource_id,scope_key,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order. This is the tailing query behind the change feed.
func (r Repo) EventsAfter(ctx context.Context, vis EventVisibility, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if c := vis.clause(&args); c != "" {
		clauses = append(clauses, c)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,form_id,resource_kind,resource_id,scope_key,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event id.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scopeKeyClause(keys []string, args *[]any) string {
	placeholders := make([]string, 0, len(keys))
	for _, k := range keys {
		placeholders = append(placeholders, "?")
		*args = append(*args, k)
	}
	return "scope_key IN (" + strings.Join(placeholders, ",") + ")"
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var formID, resourceID, scopeKey, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &formID, &e.ResourceKind, &resourceID, &scopeKey, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if formID.Valid {
			e.FormID = formID.String
		}
		if resourceID.Valid {
			e.ResourceID = resourceID.String
		}
		if scopeKey.Valid {
			e.ScopeKey = scopeKey.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
