package sync

import (
	"time"

	"github.com/clinicore/dentsyncgo/internal/models"
)

// ConflictStrategy defines how to resolve a client/server conflict
type ConflictStrategy string

const (
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyMerge      ConflictStrategy = "merge"
)

// Valid reports whether the strategy is one of the known kinds
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge:
		return true
	}
	return false
}

// EntityType names for the clinic domain. The log itself is agnostic;
// these are the types the desktop client caches offline.
const (
	EntityTypePatient     = "patients"
	EntityTypeAppointment = "appointments"
	EntityTypeTreatment   = "treatments"
	EntityTypeInvoice     = "invoices"
	EntityTypeStaff       = "staff"
)

// DeviceContext is the authenticated device identity attached to a request
type DeviceContext struct {
	DeviceID       string
	TenantID       string
	OrganizationID string
	ClinicID       *string
	UserID         string
}

// ChangeRequest is one client-side mutation with no sequence number yet
type ChangeRequest struct {
	ChangeID       string                 `json:"changeId"`
	TenantID       string                 `json:"tenantId"`
	OrganizationID string                 `json:"organizationId"`
	ClinicID       *string                `json:"clinicId,omitempty"`
	EntityType     string                 `json:"entityType"`
	EntityID       string                 `json:"entityId"`
	Operation      models.ChangeOperation `json:"operation"`
	Data           map[string]interface{} `json:"data"`
	PreviousData   map[string]interface{} `json:"previousData,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// SyncBatch is the client -> server upload unit
type SyncBatch struct {
	DeviceID     string          `json:"deviceId"`
	LastSequence int64           `json:"lastSequence"`
	Changes      []ChangeRequest `json:"changes"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Rejection reports why one change was not applied
type Rejection struct {
	ChangeID string `json:"changeId"`
	Reason   string `json:"reason"`
}

// ConflictResult records an automatic resolution, returned to the caller
// and stored in the applied change's metadata
type ConflictResult struct {
	ChangeID     string                 `json:"changeId"`
	Strategy     ConflictStrategy       `json:"strategy"`
	ServerData   map[string]interface{} `json:"serverData"`
	ClientData   map[string]interface{} `json:"clientData"`
	ResolvedData map[string]interface{} `json:"resolvedData"`
	ResolvedAt   time.Time              `json:"resolvedAt"`
}

// SyncResult summarizes one processed upload batch
type SyncResult struct {
	Accepted    int              `json:"accepted"`
	Rejected    int              `json:"rejected"`
	Rejections  []Rejection      `json:"rejections"`
	Conflicts   []ConflictResult `json:"conflicts"`
	NewSequence int64            `json:"newSequence"`
	Timestamp   time.Time        `json:"timestamp"`
}

// DownloadPage is one server -> client page of changes
type DownloadPage struct {
	Changes         []models.OfflineChange `json:"changes"`
	CurrentSequence int64                  `json:"currentSequence"`
	HasMore         bool                   `json:"hasMore"`
}
