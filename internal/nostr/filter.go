package nostr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filter selects events the way a REQ does. Tags is keyed by the single
// tag letter, without the leading '#'.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   *int
}

func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID.String()) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey.Hex()) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	for letter, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range values {
			if ev.Tags.Has(letter, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	for letter, values := range f.Tags {
		out["#"+letter] = values
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			f.Limit = new(int)
			err = json.Unmarshal(value, f.Limit)
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			err = json.Unmarshal(value, &values)
			if err == nil {
				if f.Tags == nil {
					f.Tags = map[string][]string{}
				}
				f.Tags[key[1:]] = values
			}
		default:
			// unknown keys are ignored
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, n := range values {
		if n == v {
			return true
		}
	}
	return false
}
