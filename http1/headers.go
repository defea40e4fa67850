package http1

import "strings"

// Field is one header line as received, name case preserved.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive header collection. Insertion order
// is preserved; lookups fold ASCII case. Repeated names are kept as separate
// fields in arrival order.
type Headers struct {
	fields []Field
}

func NewHeaders() *Headers { return &Headers{} }

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the first value for name, folding case.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in arrival order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields exposes the backing slice in insertion order. Callers must not
// mutate it.
func (h *Headers) Fields() []Field {
	if h == nil {
		return nil
	}
	return h.fields
}

// HasToken reports whether the comma-separated value of name contains token,
// folding case. Used for Connection/Upgrade semantics.
func (h *Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
