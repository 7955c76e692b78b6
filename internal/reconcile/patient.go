// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// Device-linking states for a patient row. The linking flow itself lives
// outside this service; reconciliation only promises never to clobber the
// state when the EDC roster changes.
const (
	LinkStatusUnlinked = "unlinked"
	LinkStatusInvited  = "invited"
	LinkStatusLinked   = "linked"
)

// Patient is the local mirror of an EDC study patient.
//
// Only SiteID and ExternalSyncedAt are overwritten by reconciliation once
// the row exists; SubjectKey and DeviceLinkStatus belong to the portal side.
type Patient struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id"`
	SiteID     uuid.UUID `json:"site_id"`
	SubjectKey string    `json:"subject_key"`
	// DeviceLinkStatus is one of the LinkStatus constants.
	DeviceLinkStatus string    `json:"device_link_status"`
	ExternalSyncedAt time.Time `json:"external_synced_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
