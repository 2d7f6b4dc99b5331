package types

// =============================================================================
// MEASURE - Rule tree referencing library components
// =============================================================================

// UnlinkableComponentID is the sentinel stored on a data element when linking
// was attempted but the element carried no usable value-set information.
// It keeps an explicit record that linking was skipped instead of silently
// dropping the element. Rule-tree walkers must treat it as "no reference".
const UnlinkableComponentID = "__unlinkable__"

// DataElement is a leaf node in a measure's rule tree, the unit the matcher
// tries to link to a library component. This is the shape handed over by the
// document ingestion pipeline.
type DataElement struct {
	ID          string    `json:"id" yaml:"id"`
	Type        string    `json:"type,omitempty" yaml:"type,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	ValueSet    *ValueSet `json:"value_set,omitempty" yaml:"value_set,omitempty"`
	DirectCodes []Code    `json:"direct_codes,omitempty" yaml:"direct_codes,omitempty"`
	Timing      string    `json:"timing,omitempty" yaml:"timing,omitempty"`
	Negation    bool      `json:"negation,omitempty" yaml:"negation,omitempty"`

	// LibraryComponentID is empty for an unlinked element, the sentinel
	// UnlinkableComponentID when linking was skipped, or a component id.
	LibraryComponentID string `json:"library_component_id,omitempty" yaml:"library_component_id,omitempty"`
}

// RuleNode is a node in a measure's rule tree. A node is either a logical
// group (Operator + Children) or a leaf (Element). Components are always
// referenced by id, never embedded by value, so shared library entries can
// never diverge per measure.
type RuleNode struct {
	Operator Operator     `json:"operator,omitempty" yaml:"operator,omitempty"`
	Children []*RuleNode  `json:"children,omitempty" yaml:"children,omitempty"`
	Element  *DataElement `json:"element,omitempty" yaml:"element,omitempty"`
}

// IsLeaf reports whether the node carries a data element.
func (n *RuleNode) IsLeaf() bool {
	return n != nil && n.Element != nil
}

// Measure is one clinical quality measure with its rule tree.
type Measure struct {
	ID    string    `json:"id" yaml:"id"`
	Title string    `json:"title,omitempty" yaml:"title,omitempty"`
	Root  *RuleNode `json:"root,omitempty" yaml:"root,omitempty"`
}

// Clone returns a deep copy of the measure and its rule tree.
func (m *Measure) Clone() *Measure {
	if m == nil {
		return nil
	}
	out := *m
	out.Root = cloneNode(m.Root)
	return &out
}

func cloneNode(n *RuleNode) *RuleNode {
	if n == nil {
		return nil
	}
	out := &RuleNode{Operator: n.Operator}
	if n.Element != nil {
		el := *n.Element
		if n.Element.ValueSet != nil {
			vs := *n.Element.ValueSet
			if n.Element.ValueSet.Codes != nil {
				vs.Codes = append([]Code(nil), n.Element.ValueSet.Codes...)
			}
			el.ValueSet = &vs
		}
		if n.Element.DirectCodes != nil {
			el.DirectCodes = append([]Code(nil), n.Element.DirectCodes...)
		}
		out.Element = &el
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, cloneNode(child))
	}
	return out
}

// WalkElements calls fn for every leaf element in the tree, in document order.
func (m *Measure) WalkElements(fn func(el *DataElement)) {
	walkNode(m.Root, fn)
}

func walkNode(n *RuleNode, fn func(el *DataElement)) {
	if n == nil {
		return
	}
	if n.Element != nil {
		fn(n.Element)
	}
	for _, child := range n.Children {
		walkNode(child, fn)
	}
}

// =============================================================================
// PARSED FRAGMENT - Matcher input
// =============================================================================

// ParsedFragment is a normalized rule fragment as produced by the ingestion
// pipeline, ready for identity matching. Composites carry already-parsed
// children in order.
type ParsedFragment struct {
	Type         string // Declared element type, used for category inference
	Name         string
	Description  string
	OID          string
	ValueSetName string
	Codes        []Code
	Timing       string
	Negation     bool
	ResourceType string
	GenderValue  string

	Operator Operator
	Children []*ParsedFragment
}

// IsComposite reports whether the fragment is an operator over children.
func (f *ParsedFragment) IsComposite() bool {
	return f != nil && f.Operator != "" && len(f.Children) > 0
}

// HasValueSetInfo reports whether the fragment carries any usable value-set
// identity at all. A fragment without oid, name and codes can be neither
// matched nor created; it is marked unlinkable.
func (f *ParsedFragment) HasValueSetInfo() bool {
	return f.OID != "" || f.ValueSetName != "" || len(f.Codes) > 0
}

// =============================================================================
// LINK OUTCOME - Tagged result of a linking pass
// =============================================================================

// LinkKind enumerates the three linking outcomes so callers can check them
// exhaustively instead of comparing magic strings.
type LinkKind string

const (
	LinkLinked     LinkKind = "linked"     // Element linked to ComponentID
	LinkUnlinkable LinkKind = "unlinkable" // No value-set information; sentinel recorded
	LinkSkipped    LinkKind = "skipped"    // Element intentionally not processed
)

// LinkOutcome is the per-element result of a linking pass.
type LinkOutcome struct {
	Kind        LinkKind `json:"kind"`
	ComponentID string   `json:"component_id,omitempty"` // Set only when Kind == LinkLinked
	Created     bool     `json:"created,omitempty"`      // True when a new draft component was created
}
