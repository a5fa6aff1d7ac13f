package model

// Document is a normalized, flat record ready for the document store. It is
// keyed by the upstream record id and is not modified after creation.
type Document struct {
	ID     string
	Fields map[string]any
}

// Field returns a field value and whether it was present.
func (d Document) Field(name string) (any, bool) {
	v, ok := d.Fields[name]
	return v, ok
}
