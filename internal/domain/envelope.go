package domain

// Card output is always the envelope {data, stream}. Stream text grows
// monotonically as card.delta events arrive; data is the final semantic
// payload. Every mutation returns a fresh value: envelopes stored in
// job_cards.output must be replaced, never edited in place, so the storage
// layer always sees the change.

// StreamField accumulates streamed text for one output field.
type StreamField struct {
	Format   string            `json:"format"`
	Sections map[string]string `json:"sections"`
}

// Output is the normalized card-output envelope.
type Output struct {
	Data   map[string]any         `json:"data"`
	Stream map[string]StreamField `json:"stream"`
}

// Meta keys attached under data._meta by the gate and fallback builders.
const (
	MetaKey           = "_meta"
	MetaFallback      = "fallback"
	MetaCode          = "code"
	MetaPreserveEmpty = "preserve_empty"
	MetaMissing       = "missing"
)

// EnsureOutputEnvelope normalizes a raw persisted payload to the envelope
// shape. A map already carrying both "data" and "stream" keys is decoded as
// an envelope; any other map is a legacy payload wrapped as {data: m, stream: {}}.
// The function is idempotent.
func EnsureOutputEnvelope(raw map[string]any) Output {
	if raw == nil {
		return Output{Data: map[string]any{}, Stream: map[string]StreamField{}}
	}
	d, hasData := raw["data"]
	s, hasStream := raw["stream"]
	if hasData && hasStream && len(raw) == 2 {
		data, _ := d.(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return Output{Data: copyMap(data), Stream: decodeStream(s)}
	}
	return Output{Data: copyMap(raw), Stream: map[string]StreamField{}}
}

func decodeStream(v any) map[string]StreamField {
	out := map[string]StreamField{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for field, fv := range m {
		fm, ok := fv.(map[string]any)
		if !ok {
			continue
		}
		sf := StreamField{Sections: map[string]string{}}
		if f, ok := fm["format"].(string); ok {
			sf.Format = f
		}
		if secs, ok := fm["sections"].(map[string]any); ok {
			for name, text := range secs {
				if t, ok := text.(string); ok {
					sf.Sections[name] = t
				}
			}
		}
		out[field] = sf
	}
	return out
}

// ToMap renders the envelope as a plain JSON-shaped map for persistence.
func (o Output) ToMap() map[string]any {
	stream := map[string]any{}
	for field, sf := range o.Stream {
		secs := map[string]any{}
		for name, text := range sf.Sections {
			secs[name] = text
		}
		stream[field] = map[string]any{"format": sf.Format, "sections": secs}
	}
	data := o.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{"data": copyMap(data), "stream": stream}
}

// Clone deep-copies the envelope.
func (o Output) Clone() Output {
	out := Output{Data: copyMap(o.Data), Stream: map[string]StreamField{}}
	for field, sf := range o.Stream {
		secs := make(map[string]string, len(sf.Sections))
		for name, text := range sf.Sections {
			secs[name] = text
		}
		out.Stream[field] = StreamField{Format: sf.Format, Sections: secs}
	}
	return out
}

// ApplyDelta appends text to the field/section accumulator, returning a new
// envelope. The first delta for a field records its format.
func (o Output) ApplyDelta(field, format, section, text string) Output {
	out := o.Clone()
	if out.Stream == nil {
		out.Stream = map[string]StreamField{}
	}
	sf, ok := out.Stream[field]
	if !ok {
		sf = StreamField{Format: format, Sections: map[string]string{}}
	}
	if sf.Sections == nil {
		sf.Sections = map[string]string{}
	}
	sf.Sections[section] += text
	out.Stream[field] = sf
	return out
}

// ApplyAppend merges items into the list at path within data, returning a new
// envelope. When dedupKey is set the result is the unique-by-key union of
// existing and incoming items in order. A non-list value at path is
// overwritten with a new list.
func (o Output) ApplyAppend(path string, items []any, dedupKey string) Output {
	out := o.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	existing, _ := out.Data[path].([]any)
	merged := make([]any, 0, len(existing)+len(items))
	seen := map[string]bool{}
	keyOf := func(it any) (string, bool) {
		if dedupKey == "" {
			return "", false
		}
		m, ok := it.(map[string]any)
		if !ok {
			return "", false
		}
		k, ok := m[dedupKey].(string)
		return k, ok
	}
	for _, it := range append(existing, items...) {
		if k, ok := keyOf(it); ok {
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		merged = append(merged, it)
	}
	out.Data[path] = merged
	return out
}

// MergeData overlays data onto the envelope's data by value, returning a new
// envelope and keeping the accumulated stream.
func (o Output) MergeData(data map[string]any) Output {
	out := o.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	for k, v := range copyMap(data) {
		out.Data[k] = v
	}
	return out
}

// IsFallback reports whether data is marked as a gate fallback payload.
func (o Output) IsFallback() bool {
	meta, ok := o.Data[MetaKey].(map[string]any)
	if !ok {
		return false
	}
	fb, _ := meta[MetaFallback].(bool)
	return fb
}

// PruneEmpty drops empty-valued fields from a copy of data. Only internal
// cards (full_report, resource.*) are ever pruned; business cards keep their
// schema so the UI contract stays stable.
func PruneEmpty(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t == "" {
				continue
			}
		case map[string]any:
			if len(t) == 0 {
				continue
			}
		case []any:
			if len(t) == 0 {
				continue
			}
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
