// Package types provides shared type definitions used across measureforge packages.
// This package exists to break import cycles between library, measures, remote and
// persist. Types in this package should be foundational data structures with no
// complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// COMPONENT - Library catalogue entry
// =============================================================================

// ComponentKind discriminates the two component variants.
type ComponentKind string

const (
	KindAtomic    ComponentKind = "atomic"    // Single rule fragment backed by a value set
	KindComposite ComponentKind = "composite" // AND/OR combination of other components
)

// Status is the review lifecycle state of a component version.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	StatusArchived Status = "archived"
)

// Operator is the logical connective of a composite component.
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// Code is a single clinical code within a value set.
type Code struct {
	Code    string `json:"code" yaml:"code"`
	System  string `json:"system" yaml:"system"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

// ValueSet is a named, optionally OID-identified collection of clinical codes.
type ValueSet struct {
	OID     string `json:"oid,omitempty" yaml:"oid,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Codes   []Code `json:"codes,omitempty" yaml:"codes,omitempty"`
}

// ChildRef is a composite component's reference to another component.
// Order matters; composites keep children in authoring order.
type ChildRef struct {
	ComponentID string `json:"component_id" yaml:"component_id"`
	VersionID   string `json:"version_id,omitempty" yaml:"version_id,omitempty"`
}

// VersionRecord is one entry in a component's version history.
type VersionRecord struct {
	VersionID string    `json:"version_id"`
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionInfo tracks the current version and the full version history.
type VersionInfo struct {
	VersionID string          `json:"version_id"`
	Status    Status          `json:"status"`
	History   []VersionRecord `json:"history,omitempty"`
}

// Usage tracks which measures reference the component.
// Invariant: UsageCount == len(MeasureIDs) after any usage-mutating
// operation completes.
type Usage struct {
	MeasureIDs []string  `json:"measure_ids,omitempty"`
	UsageCount int       `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Metadata carries display/categorization details.
type Metadata struct {
	Category             string    `json:"category,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	CategoryAutoAssigned bool      `json:"category_auto_assigned,omitempty"`
}

// Component is a reusable rule fragment in the library catalogue.
// Atomic components carry value sets, timing and negation; composite
// components carry an operator and ordered child references. The ID is
// immutable once created.
type Component struct {
	ID          string        `json:"id"`
	Kind        ComponentKind `json:"kind"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`

	// Atomic only. A freshly-authored atomic has exactly one value set;
	// merged components accumulate the de-duplicated union of their inputs.
	ValueSets    []ValueSet `json:"value_sets,omitempty"`
	Timing       string     `json:"timing,omitempty"` // Opaque comparable descriptor
	Negation     bool       `json:"negation,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	GenderValue  string     `json:"gender_value,omitempty"`

	// Composite only.
	Operator Operator   `json:"operator,omitempty"`
	Children []ChildRef `json:"children,omitempty"`

	VersionInfo VersionInfo `json:"version_info"`
	Usage       Usage       `json:"usage"`
	Metadata    Metadata    `json:"metadata"`
}

// PrimaryValueSet returns the first value set, or nil for a component
// without value-set information (composites, or pre-code atomics).
func (c *Component) PrimaryValueSet() *ValueSet {
	if len(c.ValueSets) == 0 {
		return nil
	}
	return &c.ValueSets[0]
}

// HasCodes reports whether any value set carries at least one code.
func (c *Component) HasCodes() bool {
	for _, vs := range c.ValueSets {
		if len(vs.Codes) > 0 {
			return true
		}
	}
	return false
}

// IsArchived reports whether the current version is archived.
func (c *Component) IsArchived() bool {
	return c.VersionInfo.Status == StatusArchived
}

// LastNonArchivedStatus walks the version history backwards and returns the
// most recent non-archived status. Defaults to approved when the history
// carries none, which matches the restoration rule for components archived
// before history tracking existed.
func (c *Component) LastNonArchivedStatus() Status {
	for i := len(c.VersionInfo.History) - 1; i >= 0; i-- {
		if s := c.VersionInfo.History[i].Status; s != StatusArchived {
			return s
		}
	}
	return StatusApproved
}

// Clone returns a deep copy. The store hands out clones so callers can never
// mutate catalogue state outside a service transition.
func (c *Component) Clone() *Component {
	if c == nil {
		return nil
	}
	out := *c
	if c.ValueSets != nil {
		out.ValueSets = make([]ValueSet, len(c.ValueSets))
		for i, vs := range c.ValueSets {
			out.ValueSets[i] = vs
			if vs.Codes != nil {
				out.ValueSets[i].Codes = append([]Code(nil), vs.Codes...)
			}
		}
	}
	if c.Children != nil {
		out.Children = append([]ChildRef(nil), c.Children...)
	}
	if c.VersionInfo.History != nil {
		out.VersionInfo.History = append([]VersionRecord(nil), c.VersionInfo.History...)
	}
	if c.Usage.MeasureIDs != nil {
		out.Usage.MeasureIDs = append([]string(nil), c.Usage.MeasureIDs...)
	}
	if c.Metadata.Tags != nil {
		out.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	}
	return &out
}
