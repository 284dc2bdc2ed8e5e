// Package store is the Storage Adapter, Distributed Lock, Account Store,
// and v2 CRUD Orchestrator: the Postgres-backed system of record for
// accounts, groups, tags, and settings, with optimistic-version CRUD and a
// round-robin cursor shared across replicas.
package store

// IDP enumerates supported identity providers for an Account.
type IDP string

const (
	IDPIAM       IDP = "IAM"
	IDPBuilderID IDP = "BUILDER_ID"
	IDPGoogle    IDP = "GOOGLE"
	IDPGitHub    IDP = "GITHUB"
)

// Status enumerates account lifecycle states.
type Status string

const (
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusExpired    Status = "expired"
	StatusRefreshing Status = "refreshing"
	StatusBanned     Status = "banned"
)

// AuthMethod enumerates credential refresh flows.
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodOIDC   AuthMethod = "oidc"
	AuthMethodIdC    AuthMethod = "IdC"
)

// HeaderVersion selects the vendor API generation and endpoint host.
type HeaderVersion int

const (
	HeaderV1 HeaderVersion = 1
	HeaderV2 HeaderVersion = 2
)

// Usage holds the reporting-only usage fields; only PercentUsed drives
// selection.
type Usage struct {
	Current     int64
	Limit       int64
	PercentUsed float64 // 0-100
}

// Account is the dominant domain entity.
type Account struct {
	// Identity
	ID       string
	Email    string
	UserID   string
	Nickname string
	IDP      IDP
	Status   Status

	// Grouping
	GroupID string // empty = ungrouped
	Tags    []string

	// Credentials — mutated only by the refresher and login flow.
	AccessToken   string
	RefreshToken  string
	ClientID      string
	ClientIDHash  string
	ClientSecret  string
	Region        string
	ExpiresAt     int64 // epoch ms
	AuthMethod    AuthMethod
	Provider      string

	// Header-generation parameters
	HeaderVersion   HeaderVersion
	AmzInvocationID string
	KiroDeviceHash  string
	SdkJsVersion    string
	IdeVersion      string

	// Subscription/usage/resource-detail
	Usage Usage

	// Counters
	APICallCount   int64
	APITotalTokens int64
	APILastCallAt  int64

	// Concurrency/soft-delete
	Version   int64
	UpdatedAt int64 // ms
	IsDel     bool
	DeletedAt int64
}

// IsTokenValid reports whether the credential is usable now:
// valid iff expiresAt > now + 15min.
func (a *Account) IsTokenValid(nowMs int64) bool {
	const validityMarginMs = 15 * 60 * 1000
	return a.ExpiresAt > nowMs+validityMarginMs
}

// Group is an optional account grouping with its own API key scope.
type Group struct {
	ID          string
	Name        string
	APIKey      string // unique, nullable
	Color       string
	Order       int
	Description string
	Version     int64
	UpdatedAt   int64
}

// Tag labels accounts; an account may carry many tags.
type Tag struct {
	ID        string
	Name      string
	Color     string
	Version   int64
	UpdatedAt int64
}

// SettingValueType enumerates the typed value kinds a Setting may hold.
type SettingValueType string

const (
	SettingString  SettingValueType = "string"
	SettingNumber  SettingValueType = "number"
	SettingBoolean SettingValueType = "boolean"
	SettingJSON    SettingValueType = "json"
)

// Setting is a typed key/value configuration row.
type Setting struct {
	Key       string
	Value     string // raw encoded value; interpretation follows ValueType
	ValueType SettingValueType
	Version   int64
	UpdatedAt int64
}

// MachineIDHistoryEntry is an append-only record of a machine id binding
// change for an account.
type MachineIDHistoryEntry struct {
	AccountID string
	MachineID string
	BoundAt   int64
}

// MachineIDBinding is the current accountId -> machineId mapping.
type MachineIDBinding struct {
	AccountID string
	MachineID string
	UpdatedAt int64
}

// PoolRoundRobinCursor is the persisted fairness cursor.
// GroupKey "__global__" is the all-accounts cursor.
type PoolRoundRobinCursor struct {
	GroupKey     string
	CurrentIndex int
	AccountCount int
	UpdatedAt    int64
}

// GlobalGroupKey is the cursor key used when no group scoping applies.
const GlobalGroupKey = "__global__"
