package xmppwire

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Attr is a single XML attribute on an Element. Namespace declaration
// attributes (xmlns / xmlns:*) are not stored as Attrs; namespaces are
// carried on the Element itself and re-emitted during serialization.
type Attr struct {
	Key   string
	Value string
}

// Element is a generic XML element tree with a resolved namespace, an
// ordered attribute list and ordered children. It is deliberately dumb:
// the registration protocol requires that a form received from a server
// can be replayed later with its structure intact (field order, variable
// names, hidden fields), so nothing here reorders or canonicalizes.
type Element struct {
	// Space is the resolved namespace URI; Local is the tag name.
	Space string
	Local string

	Attrs    []Attr
	Children []*Element

	// Text is the concatenated character data directly inside this
	// element (excluding children's text).
	Text string
}

// NewElement creates an empty element in the given namespace.
func NewElement(space string, local string) *Element {
	return &Element{Space: space, Local: local}
}

// Attr returns the value of the named attribute, or "" if absent.
func (e *Element) Attr(key string) string {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// HasAttr returns true if the named attribute is present, even if empty.
func (e *Element) HasAttr(key string) bool {
	for _, a := range e.Attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// SetAttr replaces the named attribute in place, or appends it if it is
// not already present.
func (e *Element) SetAttr(key string, value string) {
	for i, a := range e.Attrs {
		if a.Key == key {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Key: key, Value: value})
}

// Child returns the first direct child matching the given namespace and
// tag name. An empty space matches any namespace. Returns nil if there
// is no match.
func (e *Element) Child(space string, local string) *Element {
	for _, c := range e.Children {
		if c.Local == local && (space == "" || c.Space == space) {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all direct children matching the given namespace
// and tag name, in document order. An empty space matches any namespace.
func (e *Element) ChildrenNamed(space string, local string) []*Element {
	var result []*Element
	for _, c := range e.Children {
		if c.Local == local && (space == "" || c.Space == space) {
			result = append(result, c)
		}
	}
	return result
}

// Find performs a depth-first search of the element tree (including e
// itself) and returns the first element matching the given namespace and
// tag name. An empty space matches any namespace. Returns nil if there
// is no match.
func (e *Element) Find(space string, local string) *Element {
	if e.Local == local && (space == "" || e.Space == space) {
		return e
	}
	for _, c := range e.Children {
		if found := c.Find(space, local); found != nil {
			return found
		}
	}
	return nil
}

// FindAttr performs a depth-first search and returns the first element
// carrying the given attribute value. Used to cross-reference inline
// binary attachments by content identifier.
func (e *Element) FindAttr(key string, value string) *Element {
	if e.Attr(key) == value {
		return e
	}
	for _, c := range e.Children {
		if found := c.FindAttr(key, value); found != nil {
			return found
		}
	}
	return nil
}

// AddChild appends a child element and returns it.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return c
}

// Clone returns a deep copy of the element tree. The copy shares no
// mutable state with the original, so a stored form response can be
// cloned and filled in without disturbing the preserved original.
func (e *Element) Clone() *Element {
	clone := &Element{
		Space: e.Space,
		Local: e.Local,
		Text:  e.Text,
	}
	if len(e.Attrs) > 0 {
		clone.Attrs = make([]Attr, len(e.Attrs))
		copy(clone.Attrs, e.Attrs)
	}
	if len(e.Children) > 0 {
		clone.Children = make([]*Element, len(e.Children))
		for i, c := range e.Children {
			clone.Children[i] = c.Clone()
		}
	}
	return clone
}

// XML serializes the element tree. A namespace declaration is emitted
// whenever an element's namespace differs from its parent's, which keeps
// the output compact and round-trippable through any conforming parser.
func (e *Element) XML() string {
	var b strings.Builder
	e.writeTo(&b, "")
	return b.String()
}

// XMLIn serializes the element tree as it would appear inside a parent
// with the given namespace.
func (e *Element) XMLIn(parentSpace string) string {
	var b strings.Builder
	e.writeTo(&b, parentSpace)
	return b.String()
}

func (e *Element) writeTo(b *strings.Builder, parentSpace string) {
	b.WriteByte('<')
	b.WriteString(e.Local)
	if e.Space != "" && e.Space != parentSpace {
		b.WriteString(" xmlns=\"")
		b.WriteString(escapeXML(e.Space))
		b.WriteString("\"")
	}
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString("=\"")
		b.WriteString(escapeXML(a.Value))
		b.WriteString("\"")
	}
	if e.Text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if e.Text != "" {
		b.WriteString(escapeXML(e.Text))
	}
	for _, c := range e.Children {
		c.writeTo(b, e.Space)
	}
	b.WriteString("</")
	b.WriteString(e.Local)
	b.WriteByte('>')
}

// escapeXML escapes text for use in element content or attribute values.
func escapeXML(s string) string {
	var buf bytes.Buffer
	// xml.EscapeText never fails on a bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// parseElement consumes tokens from the decoder until the start element
// is closed, building the complete element tree.
func parseElement(d *xml.Decoder, start xml.StartElement) (*Element, error) {
	e := &Element{
		Space: start.Name.Space,
		Local: start.Name.Local,
	}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		e.Attrs = append(e.Attrs, Attr{Key: a.Name.Local, Value: a.Value})
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(d, t)
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			e.Text += string(t)
		case xml.EndElement:
			return e, nil
		}
	}
}
