package types

// =============================================================================
// RESULT TYPES - Structured outcomes surfaced to the editing UI
// =============================================================================

// OperationResult is the common shape for delete/archive/approve outcomes.
// Validation failures set Success false with a human-readable Error and, for
// in-use rejections, the measures that still reference the component.
type OperationResult struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	MeasureIDs []string `json:"measure_ids,omitempty"`
}

// MergeResult reports the outcome of a merge operation.
type MergeResult struct {
	Success        bool             `json:"success"`
	Error          string           `json:"error,omitempty"`
	NewComponentID string           `json:"new_component_id,omitempty"`
	ArchivedIDs    []string         `json:"archived_ids,omitempty"`
	RewrittenRefs  int              `json:"rewritten_refs,omitempty"`
	Diagnostics    []IntegrityIssue `json:"diagnostics,omitempty"`
}

// IntegrityIssue names one measure/component pair that violates referential
// integrity. Issues are diagnostics for a "should never happen" state; the
// engine reports them and does not attempt automatic repair.
type IntegrityIssue struct {
	MeasureID   string `json:"measure_id"`
	ElementID   string `json:"element_id"`
	ComponentID string `json:"component_id"`
	Problem     string `json:"problem"`
}

// LinkReport summarizes a linking pass over one measure's data elements.
type LinkReport struct {
	MeasureID string                 `json:"measure_id"`
	Outcomes  map[string]LinkOutcome `json:"outcomes"` // element id -> outcome
	Linked    int                    `json:"linked"`
	Created   int                    `json:"created"`
	Unlinked  int                    `json:"unlinked"`
}
