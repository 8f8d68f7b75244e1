package catalog

import "encoding/json"

// rawJSON keeps a shared singleflight result immutable across waiters; each
// caller decodes its own copy.
type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (r rawJSON) decode(dest any) error {
	return json.Unmarshal(r, dest)
}
