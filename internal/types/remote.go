package types

import "context"

// =============================================================================
// REMOTE STORE - Authoritative catalogue API (consumed)
// =============================================================================

// ComponentSummary is the lightweight listing shape returned by the remote
// catalogue before individual components are fetched.
type ComponentSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
}

// AtomicComponentDTO is the flat wire shape the remote store accepts for
// atomic components. Only the primary value set travels flat; merged
// components send their remaining value sets through ExtraValueSets.
type AtomicComponentDTO struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	ValueSetOid   string     `json:"valueSetOid,omitempty"`
	ValueSetName  string     `json:"valueSetName,omitempty"`
	ValueSetVer   string     `json:"valueSetVersion,omitempty"`
	Codes         []Code     `json:"codes,omitempty"`
	Timing        string     `json:"timing,omitempty"`
	Negation      bool       `json:"negation"`
	ResourceType  string     `json:"resourceType,omitempty"`
	GenderValue   string     `json:"genderValue,omitempty"`
	Category      string     `json:"category,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	ExtraValueSets []ValueSet `json:"extraValueSets,omitempty"`
}

// RemoteStore is the HTTP-style CRUD contract of the authoritative catalogue.
// Implementations must treat every call as fallible; the sync queue absorbs
// failures so local callers never block on the network.
type RemoteStore interface {
	ListComponentSummaries(ctx context.Context) ([]ComponentSummary, error)
	GetComponent(ctx context.Context, id string) (*Component, error)
	CreateAtomicComponent(ctx context.Context, dto AtomicComponentDTO) error
	UpdateComponent(ctx context.Context, id string, dto AtomicComponentDTO) error
	DeleteComponent(ctx context.Context, id string) error
	ArchiveComponent(ctx context.Context, id string) error
	ApproveComponent(ctx context.Context, id, approvedBy string) error
	RecordUsage(ctx context.Context, componentID, measureID string) error
}
