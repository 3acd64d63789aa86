package models

import (
	"encoding/json"
)

// Behavior is one post-processing stage attached to a response. It keeps
// the object exactly as the user wrote it so validation can report shape
// errors, plus a typed view used for execution. Fields that fail to decode
// are left empty and reported by ValidateBehaviors.
type Behavior struct {
	Wait           interface{}
	Copy           []CopyBehavior
	Lookup         []LookupBehavior
	ShellTransform []string
	Decorate       string
	Repeat         int

	raw map[string]interface{}
}

// CopyBehavior copies a selected request value into response tokens
type CopyBehavior struct {
	From  interface{}   `json:"from"`
	Into  string        `json:"into"`
	Using *CopySelector `json:"using,omitempty"`
}

// CopySelector selects values out of a request field
type CopySelector struct {
	Method   string            `json:"method"`
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
	Options  *RegexOptions     `json:"options,omitempty"`
}

// LookupBehavior substitutes a row of an external data source
type LookupBehavior struct {
	Key            LookupKey  `json:"key"`
	FromDataSource DataSource `json:"fromDataSource"`
	Into           string     `json:"into"`
}

// LookupKey selects the lookup key out of the request
type LookupKey struct {
	From  interface{}   `json:"from"`
	Using *CopySelector `json:"using,omitempty"`
	Index int           `json:"index,omitempty"`
}

// DataSource represents a data source for lookup
type DataSource struct {
	CSV *CSVDataSource `json:"csv,omitempty"`
}

// CSVDataSource represents a CSV data source
type CSVDataSource struct {
	Path      string `json:"path"`
	KeyColumn string `json:"keyColumn"`
	Delimiter string `json:"delimiter,omitempty"`
}

// NewWaitBehavior returns a wait behavior delaying for ms milliseconds
func NewWaitBehavior(ms int64) Behavior {
	return Behavior{
		Wait: float64(ms),
		raw:  map[string]interface{}{"wait": float64(ms)},
	}
}

// NewDecorateBehavior returns a decorate behavior running source
func NewDecorateBehavior(source string) Behavior {
	return Behavior{
		Decorate: source,
		raw:      map[string]interface{}{"decorate": source},
	}
}

// Raw returns the behavior object as written
func (b *Behavior) Raw() map[string]interface{} {
	if b.raw == nil {
		return map[string]interface{}{}
	}
	return b.raw
}

// MarshalJSON writes the behavior back in its original shape
func (b Behavior) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Raw())
}

// UnmarshalJSON keeps the raw object and decodes each known key on a best
// effort basis.
func (b *Behavior) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw := make(map[string]interface{}, len(fields))
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Behavior{raw: raw}

	if value, ok := fields["wait"]; ok {
		var wait interface{}
		if json.Unmarshal(value, &wait) == nil {
			b.Wait = wait
		}
	}
	if value, ok := fields["copy"]; ok {
		b.Copy = decodeOneOrMany[CopyBehavior](value)
	}
	if value, ok := fields["lookup"]; ok {
		b.Lookup = decodeOneOrMany[LookupBehavior](value)
	}
	if value, ok := fields["shellTransform"]; ok {
		var single string
		if json.Unmarshal(value, &single) == nil {
			b.ShellTransform = []string{single}
		} else {
			var many []string
			if json.Unmarshal(value, &many) == nil {
				b.ShellTransform = many
			}
		}
	}
	if value, ok := fields["decorate"]; ok {
		_ = json.Unmarshal(value, &b.Decorate)
	}
	if value, ok := fields["repeat"]; ok {
		_ = json.Unmarshal(value, &b.Repeat)
	}
	return nil
}

// decodeOneOrMany accepts both a single object and the older array form
func decodeOneOrMany[T any](data json.RawMessage) []T {
	var single T
	if err := json.Unmarshal(data, &single); err == nil {
		return []T{single}
	}
	var many []T
	if err := json.Unmarshal(data, &many); err == nil {
		return many
	}
	return nil
}
