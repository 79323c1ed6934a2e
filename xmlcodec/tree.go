package xmlcodec

import (
	"strings"

	"github.com/beevik/etree"

	"ebicsgw/fault"
)

// Destructuring helpers over etree documents. Matching is by local name only:
// banks disagree on prefixes and some omit namespace declarations entirely, so
// the parser never keys on them.

// Parse reads an XML byte slice into a document tree.
func Parse(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fault.Wrap(fault.Parse, err, "malformed xml")
	}
	if doc.Root() == nil {
		return nil, fault.New(fault.Parse, "document has no root element")
	}
	return doc, nil
}

// RequireRoot returns the root element, failing unless its local name matches.
func RequireRoot(doc *etree.Document, local string) (*etree.Element, error) {
	root := doc.Root()
	if root == nil {
		return nil, fault.New(fault.Parse, "document has no root element")
	}
	if root.Tag != local {
		return nil, fault.New(fault.Parse, "expected root %q, got %q", local, root.Tag)
	}
	return root, nil
}

// RequireUniqueChild returns the single child with the given local name and
// fails when it is absent or ambiguous.
func RequireUniqueChild(el *etree.Element, local string) (*etree.Element, error) {
	child, err := MaybeUniqueChild(el, local)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fault.New(fault.Parse, "missing element %s under %s", local, el.Tag)
	}
	return child, nil
}

// MaybeUniqueChild returns the single child with the given local name, nil when
// absent, and an error when more than one matches.
func MaybeUniqueChild(el *etree.Element, local string) (*etree.Element, error) {
	var found *etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag != local {
			continue
		}
		if found != nil {
			return nil, fault.New(fault.Parse, "element %s appears more than once under %s", local, el.Tag)
		}
		found = child
	}
	return found, nil
}

// MapEachChild applies f to every child with the given local name, in document
// order, stopping at the first error.
func MapEachChild(el *etree.Element, local string, f func(*etree.Element) error) error {
	for _, child := range el.ChildElements() {
		if child.Tag != local {
			continue
		}
		if err := f(child); err != nil {
			return err
		}
	}
	return nil
}

// ChildText returns the trimmed text of the unique named child, or "" when the
// child is absent.
func ChildText(el *etree.Element, local string) (string, error) {
	child, err := MaybeUniqueChild(el, local)
	if err != nil || child == nil {
		return "", err
	}
	return strings.TrimSpace(child.Text()), nil
}

// RequireChildText is ChildText for mandatory elements.
func RequireChildText(el *etree.Element, local string) (string, error) {
	child, err := RequireUniqueChild(el, local)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(child.Text()), nil
}

// Descend walks a chain of RequireUniqueChild steps.
func Descend(el *etree.Element, path ...string) (*etree.Element, error) {
	cur := el
	for _, step := range path {
		next, err := RequireUniqueChild(cur, step)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// MaybeDescend walks the chain but returns nil as soon as a step is absent.
func MaybeDescend(el *etree.Element, path ...string) (*etree.Element, error) {
	cur := el
	for _, step := range path {
		next, err := MaybeUniqueChild(cur, step)
		if err != nil || next == nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Serialize renders a document without an XML declaration re-write, matching
// what was parsed as closely as etree allows.
func Serialize(doc *etree.Document) ([]byte, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "serialize xml")
	}
	return out, nil
}

// AcceptableContentType reports whether an HTTP content type is one the EBICS
// wire permits. Some banks answer text/plain for XML bodies.
func AcceptableContentType(ct string) bool {
	base := strings.TrimSpace(strings.ToLower(ct))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "", "text/xml", "text/plain", "application/xml":
		return true
	}
	return false
}
