package model

import "time"

// -------------------- TENANT --------------------

// Tenant is an organization receiving anonymous reports. Its data key, once
// generated, is immutable: the wrapped form and a verification digest are
// stored, never the raw key.
type Tenant struct {
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	Name              string     `json:"name" db:"name"`
	DataKeyCiphertext string     `json:"-" db:"data_key_ciphertext"` // wrapped under the system master secret
	DataKeyIV         string     `json:"-" db:"data_key_iv"`
	DataKeyHash       string     `json:"-" db:"data_key_hash"` // possession check only, never reversible
	GeoPolicy         GeoPolicy  `json:"geo_policy" db:"geo_policy"`
	IPBlocklist       []string   `json:"ip_blocklist" db:"ip_blocklist"` // bare IPs and CIDR ranges, ordered
	RatePolicy        RatePolicy `json:"rate_policy" db:"rate_policy"`
	Active            bool       `json:"active" db:"active"`
	ServiceEndsAt     time.Time  `json:"service_ends_at" db:"service_ends_at"` // zero = open-ended
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// HasDataKey reports whether a wrapped data key has been provisioned.
func (t *Tenant) HasDataKey() bool {
	return t.DataKeyCiphertext != ""
}

// IsServiceActive reports whether the tenant may be served at the given time.
func (t *Tenant) IsServiceActive(now time.Time) bool {
	if !t.Active {
		return false
	}
	if !t.ServiceEndsAt.IsZero() && now.After(t.ServiceEndsAt) {
		return false
	}
	return true
}

type GeoPolicy struct {
	Enabled             bool     `json:"enabled"`
	AllowedCountryCodes []string `json:"allowed_country_codes"` // ISO 3166-1 alpha-2
}

type RatePolicy struct {
	Enabled       bool `json:"enabled"`
	MaxCount      int  `json:"max_count"`
	WindowSeconds int  `json:"window_seconds"`
}

// -------------------- SUBMISSION --------------------

// Submission is a single anonymous report scoped to one tenant. Field values
// are stored as plaintext or self-describing ciphertext depending on whether
// the tenant had a data key at write time.
type Submission struct {
	SubmissionID     string            `json:"submission_id" db:"submission_id"`
	TenantID         string            `json:"tenant_id" db:"tenant_id"`
	SubmissionNumber string            `json:"submission_number" db:"submission_number"`
	PasswordHash     string            `json:"-" db:"password_hash"`
	Fields           map[string]string `json:"fields" db:"fields"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// EditHistoryEntry is one row of the append-only mutation ledger. Entries are
// never updated or deleted.
type EditHistoryEntry struct {
	SubmissionID string    `json:"submission_id" db:"submission_id"`
	EntryID      string    `json:"entry_id" db:"entry_id"`
	FieldName    string    `json:"field_name" db:"field_name"`
	EditorRole   string    `json:"editor_role" db:"editor_role"`
	Encrypted    bool      `json:"encrypted" db:"encrypted"`
	EditedAt     time.Time `json:"edited_at" db:"edited_at"`
}

// -------------------- VERIFICATION CODE --------------------

// VerificationCode is a step-up OTP. At most one live (unconsumed, unexpired)
// code exists per subject; issuing a new one supersedes the old.
type VerificationCode struct {
	SubjectID         string    `json:"subject_id" db:"subject_id"`
	CodeID            string    `json:"code_id" db:"code_id"`
	CodeHash          string    `json:"-" db:"code_hash"` // argon2id, never the code itself
	CodeSalt          string    `json:"-" db:"code_salt"`
	PepperVersion     int       `json:"-" db:"pepper_version"`
	ChannelsAttempted []string  `json:"channels_attempted" db:"channels_attempted"`
	ChannelsSucceeded []string  `json:"channels_succeeded" db:"channels_succeeded"`
	ExpiresAt         time.Time `json:"expires_at" db:"expires_at"`
	Used              bool      `json:"used" db:"used"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// -------------------- ACCESS ATTEMPT --------------------

// AccessAttempt is one row of the append-only admission ledger. Only a hashed
// source identifier is stored, never a raw IP or credential.
type AccessAttempt struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	SourceHash string    `json:"source_hash" db:"source_hash"`
	Bucket     int       `json:"bucket" db:"bucket"`
	AttemptID  string    `json:"attempt_id" db:"attempt_id"`
	Kind       string    `json:"kind" db:"kind"` // submission, otp_verify, authorize
	Success    bool      `json:"success" db:"success"`
	Reason     string    `json:"reason" db:"reason"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

// Attempt kinds recorded in the ledger.
const (
	AttemptKindSubmission = "submission"
	AttemptKindOTPVerify  = "otp_verify"
	AttemptKindAuthorize  = "authorize"
)

// -------------------- ROLES & SESSIONS --------------------

// Role is the trust domain a grant belongs to.
type Role string

const (
	RoleSubmitter Role = "submitter"
	RoleStaff     Role = "staff"
	RoleOperator  Role = "operator"
)

// StaffSession is what the external tenant-staff session provider yields.
type StaffSession struct {
	SubjectID string `json:"subject_id"`
	TenantID  string `json:"tenant_id"`
}

// OperatorSession is what the external platform-operator session provider
// yields; operators are not scoped to a tenant.
type OperatorSession struct {
	SubjectID string `json:"subject_id"`
}
