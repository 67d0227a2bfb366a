package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/puppycorp/puppylog/internal/util"
	"github.com/puppycorp/puppylog/pkg/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchema
}

// settingsInner is settings.json's on-disk shape: the device-collection
// filter query string devices poll for.
type settingsInner struct {
	CollectionQuery string `json:"collection_query"`
}

// Settings holds the live, hot-reloadable settings.json contents behind a
// mutex: settings.json is written by puppylog itself, not only read at
// startup, so readers always see a consistent snapshot.
type Settings struct {
	mu   sync.RWMutex
	inner settingsInner
	path string
}

// LoadSettings reads path (missing file is not an error: a fresh instance
// starts with an empty collection query), validates it against the
// embedded schema, and registers a fsnotify listener so external edits are
// picked up without a restart.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{path: path}
	if !util.CheckFileExists(path) {
		log.Debugf("config: %s does not exist yet, starting with an empty collection query", path)
	} else if err := s.reload(); err != nil {
		return nil, err
	}
	util.AddListener(path, s)
	return s, nil
}

func (s *Settings) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := validateSettings(raw); err != nil {
		return fmt.Errorf("config: validate settings.json: %w", err)
	}
	var parsed settingsInner
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("config: decode settings.json: %w", err)
	}
	s.mu.Lock()
	s.inner = parsed
	s.mu.Unlock()
	return nil
}

func validateSettings(raw []byte) error {
	sch, err := jsonschema.Compile("embedFS://schemas/settings.schema.json")
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// CollectionQuery returns the current device-collection filter query.
func (s *Settings) CollectionQuery() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.CollectionQuery
}

// SetCollectionQuery updates the filter and persists it to disk. Writes
// happen at runtime via the settings endpoints, so the write path lives
// alongside the read path rather than a startup-only load.
func (s *Settings) SetCollectionQuery(query string) error {
	s.mu.Lock()
	s.inner.CollectionQuery = query
	raw, err := json.Marshal(s.inner)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: encode settings.json: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("config: write settings.json: %w", err)
	}
	return nil
}

// EventMatch implements util.Listener: only react to writes/creates on our
// own settings file, ignoring unrelated events in the same directory.
func (s *Settings) EventMatch(event string) bool {
	return strings.Contains(event, s.path) &&
		(strings.Contains(event, "WRITE") || strings.Contains(event, "CREATE"))
}

// EventCallback implements util.Listener: reload from disk on a matching
// fsnotify event, logging (not failing) on a transiently invalid file.
func (s *Settings) EventCallback() {
	if err := s.reload(); err != nil {
		log.Errorf("config: reload settings.json: %v", err)
	}
}
