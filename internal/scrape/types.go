// Package scrape produces page snapshots for the decision oracle and the
// action executor.
package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RawElement is one element reported by the injected DOM walk. The walk
// enumerates every element in the document and same-origin subframes.
type RawElement struct {
	// Index is the walk order position; ParentIndex refers to it.
	Index int `json:"index"`

	// ParentIndex is the walk index of the parent, -1 for roots.
	ParentIndex int `json:"parent_index"`

	// Tag is the lowercase tag name.
	Tag string `json:"tag"`

	// OrdinalPath locates the element structurally (e.g. "0/3/1").
	OrdinalPath string `json:"ordinal_path"`

	// CSS is the generated unique selector.
	CSS string `json:"css"`

	// Text is the element's trimmed visible text.
	Text string `json:"text,omitempty"`

	// Attributes are the relevant attributes (id, name, type, role, href,
	// placeholder, aria-label, value).
	Attributes map[string]string `json:"attributes,omitempty"`

	// Width and Height are the bounding box dimensions.
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	// CenterX and CenterY are the bounding box center in viewport space.
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`

	// Hidden is true for visibility:hidden or display:none elements.
	Hidden bool `json:"hidden,omitempty"`

	// HasClickListener is true when a click handler is reachable from the
	// element's event map. Absent when injection fell back to DOM-only.
	HasClickListener bool `json:"has_click_listener,omitempty"`

	// HoverStyleProps lists CSS properties changed by a :hover rule.
	HoverStyleProps []string `json:"hover_style_props,omitempty"`
}

// Element is a classified, addressable element in a ScrapedPage.
type Element struct {
	// ID is the stable element id composed from tag, ordinal path and
	// content hash.
	ID string `json:"element_id"`

	// ContentHash is independent of DOM position, used for cache matching.
	ContentHash string `json:"content_hash"`

	// Tag, Text and Attributes describe the element to the oracle.
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// CSS is the selector the executor resolves the element with.
	CSS string `json:"-"`

	// CenterX and CenterY support coordinate fallbacks.
	CenterX float64 `json:"-"`
	CenterY float64 `json:"-"`

	// Interactable reports whether the classification rule matched.
	Interactable bool `json:"interactable"`
}

// Node is one node of the pruned element tree: interactable elements and
// their nearest labeling ancestors only.
type Node struct {
	ID       string            `json:"element_id,omitempty"`
	Tag      string            `json:"tag"`
	Text     string            `json:"text,omitempty"`
	Attrs    map[string]string `json:"attributes,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// ScrapedPage is a snapshot of a live page.
type ScrapedPage struct {
	// URL is the page URL at scrape time.
	URL string `json:"url"`

	// Elements are the interactable elements, in walk order.
	Elements []Element `json:"elements"`

	// ElementTree is the pruned hierarchical projection.
	ElementTree []*Node `json:"element_tree"`

	// IDToCSS maps element id to its selector.
	IDToCSS map[string]string `json:"-"`

	// IDToElement maps element id to the element record.
	IDToElement map[string]*Element `json:"-"`

	// IDToHash maps element id to content hash.
	IDToHash map[string]string `json:"-"`

	// HashToIDs inverts IDToHash; a hash matching more than one element is
	// ambiguous for cache personalization.
	HashToIDs map[string][]string `json:"-"`

	// Screenshots are the captured viewport images, in capture order.
	Screenshots [][]byte `json:"-"`

	// HTML is the serialized document.
	HTML string `json:"-"`

	// ExtractedText is the concatenated visible text of the element tree.
	ExtractedText string `json:"extracted_text,omitempty"`
}

// ElementByHash returns the element uniquely matching hash. ok is false
// when the hash is missing or ambiguous.
func (p *ScrapedPage) ElementByHash(hash string) (*Element, bool) {
	ids := p.HashToIDs[hash]
	if len(ids) != 1 {
		return nil, false
	}
	el, ok := p.IDToElement[ids[0]]
	return el, ok
}

// interactableTags are tags interactable by rule (a) when they have a
// non-empty bounding box.
var interactableTags = map[string]bool{
	"input": true, "button": true, "select": true, "textarea": true, "a": true,
}

// interactableRoles are ARIA roles interactable by rule (d).
var interactableRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "checkbox": true,
	"radio": true, "tab": true, "option": true, "switch": true,
}

// hoverProps are the :hover style properties that signal interactability
// by rule (c).
var hoverProps = map[string]bool{
	"background": true, "color": true, "border": true,
	"transform": true, "box-shadow": true, "opacity": true,
}

// Interactable applies the closed classification rule set, in order.
func (e *RawElement) Interactable() bool {
	if e.Hidden || e.Width <= 0 || e.Height <= 0 {
		return false
	}
	// (a) interactive tag with non-empty bounding box
	if interactableTags[e.Tag] {
		return true
	}
	// (b) explicit click listener
	if e.HasClickListener {
		return true
	}
	// (c) :hover rule changing a visual property
	for _, prop := range e.HoverStyleProps {
		if hoverProps[strings.ToLower(prop)] {
			return true
		}
	}
	// (d) interactive ARIA role
	if role, ok := e.Attributes["role"]; ok && interactableRoles[strings.ToLower(role)] {
		return true
	}
	return false
}

// ContentHash computes the position-independent hash over tag, text and
// sorted attributes.
func (e *RawElement) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Tag))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(e.Text)))
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(e.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ElementID composes the stable id from tag, ordinal path and content hash.
func (e *RawElement) ElementID() string {
	h := sha256.Sum256([]byte(e.Tag + "|" + e.OrdinalPath + "|" + e.ContentHash()))
	return fmt.Sprintf("el_%s", hex.EncodeToString(h[:])[:12])
}
