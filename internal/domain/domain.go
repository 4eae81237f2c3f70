package domain

// Roles form a strict provisioning hierarchy:
// top_admin -> form_admin -> coordinator -> agent.
const (
	RoleTopAdmin    = "top_admin"
	RoleFormAdmin   = "form_admin"
	RoleCoordinator = "coordinator"
	RoleAgent       = "agent"
)

// Lead verification statuses. "completed" is accepted on input as a
// historical alias of "verified" and normalized before storage.
const (
	StatusPending  = "pending"
	StatusAssigned = "assigned"
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

// NormalizeStatus maps historical aliases onto canonical status values.
func NormalizeStatus(s string) string {
	if s == "completed" {
		return StatusVerified
	}
	return s
}

// IsTerminalStatus reports whether a lead status admits no further transition.
func IsTerminalStatus(s string) bool {
	s = NormalizeStatus(s)
	return s == StatusVerified || s == StatusRejected
}

type FormField struct {
	Label    string `json:"label"`
	Type     string `json:"type" enum:"text,number,date,boolean,photo"`
	Required bool   `json:"required"`
	Hidden   bool   `json:"hidden,omitempty"`
}

type FormSection struct {
	Title  string      `json:"title"`
	Fields []FormField `json:"fields"`
}

type FormDefinition struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Initiative   string `json:"initiative,omitempty"`
	SectionsJSON string `json:"sections_json,omitempty"`
	OwnerID      string `json:"owner_id"`
	Status       string `json:"status" enum:"draft,active,inactive"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Lead is a subject record awaiting or undergoing field verification.
// SectionsJSON is the form's section list snapshotted at ingestion time, so
// later edits to the form definition cannot corrupt collected data.
type Lead struct {
	ID                    string  `json:"id"`
	FormID                string  `json:"form_id"`
	Name                  string  `json:"name"`
	Phone                 string  `json:"phone"`
	Address               string  `json:"address"`
	City                  string  `json:"city"`
	State                 string  `json:"state"`
	PostalCode            string  `json:"postal_code"`
	Status                string  `json:"status" enum:"pending,assigned,verified,rejected"`
	CoordinatorID         *string `json:"coordinator_id,omitempty"`
	AgentID               *string `json:"agent_id,omitempty"`
	CoordinatorAssignedAt *string `json:"coordinator_assigned_at,omitempty" format:"date-time"`
	AgentAssignedAt       *string `json:"agent_assigned_at,omitempty" format:"date-time"`
	UploadedAt            string  `json:"uploaded_at" format:"date-time"`
	ResolvedAt            *string `json:"resolved_at,omitempty" format:"date-time"`
	ReportRef             *string `json:"report_ref,omitempty"`
	SectionsJSON          *string `json:"sections_json,omitempty"`
	ResultJSON            *string `json:"result_json,omitempty"`
}

type Actor struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Role      string  `json:"role" enum:"top_admin,form_admin,coordinator,agent"`
	Scope     string  `json:"scope"`
	Phone     string  `json:"phone,omitempty"`
	Email     string  `json:"email,omitempty"`
	CreatedBy *string `json:"created_by,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	FormID       string `json:"form_id,omitempty"`
	ResourceKind string `json:"resource_kind"`
	ResourceID   string `json:"resource_id,omitempty"`
	ScopeKey     string `json:"scope_key,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
