package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Patch maps dotted setting paths ("video.bitrate") to new values.
type Patch map[string]interface{}

// Apply returns a copy of p with patch applied. Either every path is applied
// and the result validates, or p is returned unchanged with the first error.
func Apply(p ConfigProfile, patch Patch) (ConfigProfile, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("failed to serialize profile: %w", err)
	}

	paths := make([]string, 0, len(patch))
	for path := range patch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		cur := gjson.GetBytes(doc, path)
		if !cur.Exists() || cur.IsObject() || cur.IsArray() {
			return p, &Error{Field: path, Value: patch[path], Err: ErrUnknownField}
		}
		doc, err = sjson.SetBytes(doc, path, patch[path])
		if err != nil {
			return p, &Error{Field: path, Value: patch[path], Err: ErrInvalidValue}
		}
	}

	var next ConfigProfile
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		field := ""
		if te, ok := err.(*json.UnmarshalTypeError); ok {
			field = te.Field
		}
		return p, &Error{Field: field, Value: err.Error(), Err: ErrInvalidValue}
	}
	if err := next.Validate(); err != nil {
		return p, err
	}
	return next, nil
}

// Get returns the value at a dotted path, or false when the path does not exist.
func Get(p ConfigProfile, path string) (interface{}, bool) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	v := gjson.GetBytes(doc, path)
	if !v.Exists() {
		return nil, false
	}
	return v.Value(), true
}
