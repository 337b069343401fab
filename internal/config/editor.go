package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Editor serves the flat user configuration document. The companion
// tutorial file fixes the editable key set and, through its example values,
// the expected type of each key.
type Editor struct {
	mu           sync.Mutex
	path         string
	tutorialPath string
	log          *zap.SugaredLogger
}

func NewEditor(path, tutorialPath string, log *zap.SugaredLogger) *Editor {
	return &Editor{path: path, tutorialPath: tutorialPath, log: log}
}

// Document returns the tutorial defaults overlaid with the user's saved
// values. A missing user file yields the defaults alone.
func (e *Editor) Document() (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.schema()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	saved, err := readJSONMap(e.path)
	if err != nil {
		return nil, errors.Wrap(err, "user config")
	}
	for k, v := range saved {
		doc[k] = v
	}
	return doc, nil
}

// Apply validates the changed keys against the tutorial schema, merges them
// into the saved document and persists it. It returns the merged document.
func (e *Editor) Apply(changes map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	schema, err := e.schema()
	if err != nil {
		return nil, err
	}

	for k, v := range changes {
		if schema == nil {
			continue
		}
		proto, ok := schema[k]
		if !ok {
			return nil, errors.Errorf("unknown config key %q", k)
		}
		coerced, err := coerce(v, proto)
		if err != nil {
			return nil, errors.Wrapf(err, "config key %q", k)
		}
		changes[k] = coerced
	}

	saved, err := readJSONMap(e.path)
	if err != nil {
		return nil, errors.Wrap(err, "user config")
	}
	if saved == nil {
		saved = make(map[string]any)
	}
	for k, v := range changes {
		saved[k] = v
	}

	if err := writeJSONMap(e.path, saved); err != nil {
		return nil, errors.Wrap(err, "persist user config")
	}
	e.log.Infow("user config updated", "keys", len(changes))

	doc, err := e.merged(saved)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// merged overlays saved values on the tutorial defaults without touching
// the user file again.
func (e *Editor) merged(saved map[string]any) (map[string]any, error) {
	doc, err := e.schema()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	for k, v := range saved {
		doc[k] = v
	}
	return doc, nil
}

// schema returns the tutorial document, or nil when no tutorial file is
// configured or present. A nil schema disables key validation.
func (e *Editor) schema() (map[string]any, error) {
	if e.tutorialPath == "" {
		return nil, nil
	}
	m, err := readJSONMap(e.tutorialPath)
	if err != nil {
		return nil, errors.Wrap(err, "tutorial config")
	}
	return m, nil
}

// coerce decodes val into the type of the schema example. Strict decoding:
// a string is never accepted for a numeric key and vice versa.
func coerce(val, proto any) (any, error) {
	if proto == nil {
		return val, nil
	}
	out := reflect.New(reflect.TypeOf(proto)).Interface()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: out})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(val); err != nil {
		return nil, err
	}
	return reflect.ValueOf(out).Elem().Interface(), nil
}

func readJSONMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeJSONMap(path string, m map[string]any) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
