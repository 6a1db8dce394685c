package macro

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Entry is one captured Send: Data was sent Offset after recording began.
type Entry struct {
	Offset time.Duration
	Data   []byte
}

// Recording is a named, ordered list of entries with non-decreasing offsets.
type Recording struct {
	Name      string
	CreatedAt time.Time
	Entries   []Entry
}

// Duration is the offset of the last entry.
func (r *Recording) Duration() time.Duration {
	if len(r.Entries) == 0 {
		return 0
	}
	return r.Entries[len(r.Entries)-1].Offset
}

func (r *Recording) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("macro name is required")
	}
	var prev time.Duration
	for i, e := range r.Entries {
		if e.Offset < 0 {
			return fmt.Errorf("entry %d: negative offset", i)
		}
		if e.Offset < prev {
			return fmt.Errorf("entry %d: offset %s before previous %s", i, e.Offset, prev)
		}
		prev = e.Offset
	}
	return nil
}

// Serialized form shared by JSON and YAML. Data that is not valid UTF-8 is
// base64 encoded.
type wireRecording struct {
	Name      string      `json:"name" yaml:"name"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	Entries   []wireEntry `json:"entries" yaml:"entries"`
}

type wireEntry struct {
	OffsetMS int64  `json:"offset_ms" yaml:"offset_ms"`
	Data     string `json:"data" yaml:"data"`
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

const encodingBase64 = "base64"

func (r *Recording) toWire() wireRecording {
	w := wireRecording{Name: r.Name, CreatedAt: r.CreatedAt, Entries: make([]wireEntry, 0, len(r.Entries))}
	for _, e := range r.Entries {
		we := wireEntry{OffsetMS: e.Offset.Milliseconds()}
		if utf8.Valid(e.Data) {
			we.Data = string(e.Data)
		} else {
			we.Data = base64.StdEncoding.EncodeToString(e.Data)
			we.Encoding = encodingBase64
		}
		w.Entries = append(w.Entries, we)
	}
	return w
}

func (w wireRecording) toRecording() (*Recording, error) {
	r := &Recording{Name: w.Name, CreatedAt: w.CreatedAt, Entries: make([]Entry, 0, len(w.Entries))}
	for i, we := range w.Entries {
		var data []byte
		switch we.Encoding {
		case "":
			data = []byte(we.Data)
		case encodingBase64:
			b, err := base64.StdEncoding.DecodeString(we.Data)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			data = b
		default:
			return nil, fmt.Errorf("entry %d: unknown encoding %q", i, we.Encoding)
		}
		r.Entries = append(r.Entries, Entry{Offset: time.Duration(we.OffsetMS) * time.Millisecond, Data: data})
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recording) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toWire())
}

func (r *Recording) UnmarshalJSON(data []byte) error {
	var w wireRecording
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec, err := w.toRecording()
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}

func (r *Recording) MarshalYAML() (interface{}, error) {
	return r.toWire(), nil
}

func (r *Recording) UnmarshalYAML(value *yaml.Node) error {
	var w wireRecording
	if err := value.Decode(&w); err != nil {
		return err
	}
	rec, err := w.toRecording()
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

func Encode(r *Recording, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(r, "", "  ")
	case FormatYAML:
		return yaml.Marshal(r)
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

func Decode(data []byte, f Format) (*Recording, error) {
	r := &Recording{}
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, r)
	case FormatYAML:
		err = yaml.Unmarshal(data, r)
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s macro: %w", f, err)
	}
	return r, nil
}
