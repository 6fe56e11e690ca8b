// Package domain defines the persistent records the crawl engine produces:
// listing products, their technical detail records, the vendor directory,
// and the terminal result row written once per crawl session.
package domain

import (
	"time"
)

// Product is one listing record, keyed by its source URL. The canonical
// coordinate (PageID, IndexInPage) is the stable positional identity; the
// URL is the storage key.
type Product struct {
	URL           string     `db:"url" json:"url"`
	Manufacturer  *string    `db:"manufacturer" json:"manufacturer,omitempty"`
	Model         *string    `db:"model" json:"model,omitempty"`
	CertificateID *string    `db:"certificate_id" json:"certificate_id,omitempty"`
	PageID        *int       `db:"page_id" json:"page_id,omitempty"`
	IndexInPage   *int       `db:"index_in_page" json:"index_in_page,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// ProductDetail is the full technical record for one product, 1:1 with
// Product on URL. VID and PID are stored as integers; the source publishes
// them in hex-prefixed form.
type ProductDetail struct {
	URL                   string    `db:"url" json:"url"`
	DeviceType            *string   `db:"device_type" json:"device_type,omitempty"`
	VID                   *int      `db:"vid" json:"vid,omitempty"`
	PID                   *int      `db:"pid" json:"pid,omitempty"`
	CertificationDate     *string   `db:"certification_date" json:"certification_date,omitempty"`
	SoftwareVersion       *string   `db:"software_version" json:"software_version,omitempty"`
	HardwareVersion       *string   `db:"hardware_version" json:"hardware_version,omitempty"`
	FirmwareVersion       *string   `db:"firmware_version" json:"firmware_version,omitempty"`
	SpecificationVersion  *string   `db:"specification_version" json:"specification_version,omitempty"`
	TransportInterface    *string   `db:"transport_interface" json:"transport_interface,omitempty"`
	ApplicationCategories *string   `db:"application_categories" json:"application_categories,omitempty"` // JSON text array
	Description           *string   `db:"description" json:"description,omitempty"`
	ComplianceDocumentURL *string   `db:"compliance_document_url" json:"compliance_document_url,omitempty"`
	ProgramType           string    `db:"program_type" json:"program_type"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultProgramType is applied when the source page carries no explicit
// program label.
const DefaultProgramType = "Matter"

// Vendor is one row of the vendor directory, maintained independently of
// the crawl graph.
type Vendor struct {
	ID           int64     `db:"id" json:"id"`
	VendorNumber *int      `db:"vendor_number" json:"vendor_number,omitempty"`
	LegalName    string    `db:"legal_name" json:"legal_name"`
	Country      *string   `db:"country" json:"country,omitempty"`
	ProductCount int       `db:"product_count" json:"product_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SessionStatus is a terminal crawl-session status.
type SessionStatus string

const (
	SessionCompleted SessionStatus = "Completed"
	SessionFailed    SessionStatus = "Failed"
	SessionStopped   SessionStatus = "Stopped"
)

// CrawlingSessionResult is the row written exactly once when a session
// reaches a terminal state.
type CrawlingSessionResult struct {
	SessionID      string        `db:"session_id" json:"session_id"`
	Status         SessionStatus `db:"status" json:"status"`
	LastStage      string        `db:"last_stage" json:"last_stage"`
	TotalPages     int           `db:"total_pages" json:"total_pages"`
	ProductsFound  int           `db:"products_found" json:"products_found"`
	DetailsFetched int           `db:"details_fetched" json:"details_fetched"`
	ErrorsCount    int           `db:"errors_count" json:"errors_count"`
	StartedAt      time.Time     `db:"started_at" json:"started_at"`
	FinishedAt     time.Time     `db:"finished_at" json:"finished_at"`
	ConfigSnapshot string        `db:"config_snapshot" json:"config_snapshot"` // JSON
	ErrorDetails   *string       `db:"error_details" json:"error_details,omitempty"`
}

// Str returns a *string for a non-empty value and nil otherwise, the
// convention the parse stages use so empty extractions never overwrite
// populated columns.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Int returns a *int.
func Int(n int) *int { return &n }
