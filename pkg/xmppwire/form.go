package xmppwire

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
)

// FormKind distinguishes the two shapes a registration response can
// take: a structured data form, or the legacy fixed-field variant.
type FormKind int

const (
	// FormStructured is a data-form registration: the server sent an
	// x-form whose structure must be mirrored back on submission.
	FormStructured FormKind = iota

	// FormLegacy is a fixed-field registration: the server listed bare
	// field elements and submission sends exactly username/password and
	// an optional email.
	FormLegacy
)

// CaptchaFieldVar is the field variable name servers use for the
// human-solved challenge answer.
const CaptchaFieldVar = "ocr"

// Field describes one registration form field.
type Field struct {
	Type     string
	Label    string
	Required bool
	Value    string
}

// CaptchaMedia is one challenge media item recovered from an inline
// binary attachment, cross-referenced by content identifier.
type CaptchaMedia struct {
	MIMEType string
	CID      string
	Data     []byte
}

// CaptchaData is the challenge a server attached to its registration
// form. SID is the server-assigned challenge session id and has nothing
// to do with this module's own session handles.
type CaptchaData struct {
	Challenge string
	SID       string
	Media     []CaptchaMedia
}

// FormResponse is the parsed registration form. The original response
// element tree is preserved verbatim alongside the parsed view, because
// submission must replay the server's own structure (field ordering,
// hidden FORM_TYPE field, variable names) rather than reconstruct it;
// servers may reject a form that does not mirror the one they sent.
type FormResponse struct {
	Kind         FormKind
	Instructions string
	Fields       map[string]Field
	Captcha      *CaptchaData

	raw *Element
}

// Raw returns the preserved response element tree.
func (f *FormResponse) Raw() *Element {
	return f.raw
}

// ParseFormResponse parses an iq result carrying a registration query
// into a FormResponse.
func ParseFormResponse(log logger.Logger, iq *Element) (*FormResponse, error) {
	query := iq.Find(NSRegister, "query")
	if query == nil {
		return nil, fmt.Errorf("response carries no registration query element")
	}

	f := &FormResponse{
		Fields: make(map[string]Field),
		raw:    iq.Clone(),
	}
	if instr := query.Child(NSRegister, "instructions"); instr != nil {
		f.Instructions = strings.TrimSpace(instr.Text)
	}

	form := query.Child(NSData, "x")
	if form == nil {
		f.Kind = FormLegacy
		parseLegacyFields(f, query)
		return f, nil
	}

	f.Kind = FormStructured
	for _, fieldEl := range form.ChildrenNamed(NSData, "field") {
		v := fieldEl.Attr("var")
		if v == "" || v == "FORM_TYPE" {
			continue
		}
		fieldType := fieldEl.Attr("type")
		if fieldType == "" {
			fieldType = "text-single"
		}
		label := fieldEl.Attr("label")
		if label == "" {
			label = v
		}
		var value string
		if valueEl := fieldEl.Child(NSData, "value"); valueEl != nil {
			value = valueEl.Text
		}
		f.Fields[v] = Field{
			Type:     fieldType,
			Label:    label,
			Required: fieldEl.Child(NSData, "required") != nil,
			Value:    value,
		}
	}
	f.Captcha = extractCaptcha(log, form, iq)
	return f, nil
}

// parseLegacyFields enumerates the fixed fields of a non-form
// registration response.
func parseLegacyFields(f *FormResponse, query *Element) {
	for _, name := range []string{"username", "password", "email", "name"} {
		if query.Child(NSRegister, name) == nil {
			continue
		}
		fieldType := "text-single"
		if name == "password" {
			fieldType = "text-private"
		}
		f.Fields[name] = Field{
			Type:     fieldType,
			Label:    strings.Title(name),
			Required: name == "username" || name == "password",
		}
	}
}

// extractCaptcha pulls challenge data out of a structured form. The ocr
// field carries media items referencing inline binary attachments by
// cid: content identifier; challenge and sid ride as plain fields.
func extractCaptcha(log logger.Logger, form *Element, iq *Element) *CaptchaData {
	var cd *CaptchaData
	ensure := func() *CaptchaData {
		if cd == nil {
			cd = &CaptchaData{}
		}
		return cd
	}

	for _, fieldEl := range form.ChildrenNamed(NSData, "field") {
		switch fieldEl.Attr("var") {
		case CaptchaFieldVar:
			c := ensure()
			mediaEls := fieldEl.ChildrenNamed(NSMediaElement, "media")
			if len(mediaEls) == 0 {
				mediaEls = fieldEl.ChildrenNamed(NSMedia0, "media")
			}
			for _, mediaEl := range mediaEls {
				uris := mediaEl.ChildrenNamed(NSMediaElement, "uri")
				if len(uris) == 0 {
					uris = mediaEl.ChildrenNamed(NSMedia0, "uri")
				}
				for _, uriEl := range uris {
					uri := strings.TrimSpace(uriEl.Text)
					if !strings.HasPrefix(uri, "cid:") {
						continue
					}
					cid := strings.TrimPrefix(uri, "cid:")
					media, err := resolveInlineData(iq, cid)
					if err != nil {
						log.WLogf("Unable to recover CAPTCHA media %q: %s", cid, err)
						continue
					}
					c.Media = append(c.Media, *media)
					log.DLogf("Recovered CAPTCHA media %q (%s, %s)",
						cid, media.MIMEType, sizestr.ToString(int64(len(media.Data))))
				}
			}
		case "challenge":
			if valueEl := fieldEl.Child(NSData, "value"); valueEl != nil {
				ensure().Challenge = valueEl.Text
			}
		case "sid":
			if valueEl := fieldEl.Child(NSData, "value"); valueEl != nil {
				ensure().SID = valueEl.Text
			}
		}
	}
	return cd
}

// resolveInlineData finds the inline binary attachment with the given
// content identifier anywhere in the response and decodes its payload.
func resolveInlineData(iq *Element, cid string) (*CaptchaMedia, error) {
	var dataEl *Element
	var find func(e *Element)
	find = func(e *Element) {
		if dataEl != nil {
			return
		}
		if e.Local == "data" && e.Attr("cid") == cid {
			dataEl = e
			return
		}
		for _, c := range e.Children {
			find(c)
		}
	}
	find(iq)
	if dataEl == nil {
		return nil, fmt.Errorf("no inline data element with cid %q", cid)
	}
	// servers commonly wrap the base64 payload in whitespace
	encoded := strings.Join(strings.Fields(dataEl.Text), "")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad base64 payload for cid %q: %v", cid, err)
	}
	return &CaptchaMedia{
		MIMEType: dataEl.Attr("type"),
		CID:      cid,
		Data:     raw,
	}, nil
}

// BuildSubmission constructs the registration submission payload from
// the preserved response. For a structured form, the original form tree
// is deep-copied, its mode flipped from "form" to "submit", and value
// sub-elements filled in only for fields the caller supplied; every
// other byte of structure is the server's own. For a legacy response the
// submission is the fixed username/password/optional-email shape.
func (f *FormResponse) BuildSubmission(values map[string]string) *Element {
	query := NewElement(NSRegister, "query")

	if f.Kind == FormStructured {
		if orig := f.raw.Find(NSData, "x"); orig != nil {
			form := orig.Clone()
			form.SetAttr("type", "submit")
			for _, fieldEl := range form.ChildrenNamed(NSData, "field") {
				value, ok := values[fieldEl.Attr("var")]
				if !ok {
					continue
				}
				valueEl := fieldEl.Child(NSData, "value")
				if valueEl == nil {
					valueEl = fieldEl.AddChild(NewElement(NSData, "value"))
				}
				valueEl.Text = value
			}
			query.AddChild(form)
			return query
		}
	}

	for _, name := range []string{"username", "password", "email"} {
		if value, ok := values[name]; ok && value != "" {
			query.AddChild(NewElement(NSRegister, name)).Text = value
		}
	}
	return query
}
