// Package inventory loads declarative inventory files and applies them to the store.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/scheduler"
	"github.com/oar-cd/conductor/variables"
)

// Document is the top level of an inventory file
type Document struct {
	Servers   []ServerSpec   `yaml:"servers"`
	Groups    []GroupSpec    `yaml:"groups"`
	Playbooks []PlaybookSpec `yaml:"playbooks"`
	Forms     []FormSpec     `yaml:"forms"`

	baseDir string
}

type ServerSpec struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PasswordFile   string `yaml:"password_file"`
	PreCommand     string `yaml:"pre_command"`
}

type GroupSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Servers     []string `yaml:"servers"`
}

type PlaybookSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string `yaml:"path"`
}

type FieldSpec struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Type     string   `yaml:"type"`
	Default  string   `yaml:"default"`
	Options  []string `yaml:"options"`
	Required bool     `yaml:"required"`
}

type FormSpec struct {
	Name           string      `yaml:"name"`
	Description    string      `yaml:"description"`
	Playbook       string      `yaml:"playbook"`
	Server         string      `yaml:"server"`
	Group          string      `yaml:"group"`
	Vault          string      `yaml:"vault"`
	QuickAction    bool        `yaml:"quick_action"`
	Schedule       string      `yaml:"schedule"`
	Paused         bool        `yaml:"paused"`
	Webhook        bool        `yaml:"webhook"`
	NotifyWebhook  string      `yaml:"notify_webhook"`
	NotifyEmail    string      `yaml:"notify_email"`
	AbortOnFailure bool        `yaml:"abort_on_failure"`
	Fields         []FieldSpec `yaml:"fields"`
}

// Load reads an inventory file. Relative paths inside it resolve against its directory.
func Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inventory path: %w", err)
	}
	return Parse(content, filepath.Dir(abs))
}

// Parse decodes and validates an inventory document. Unknown keys are rejected.
func Parse(content []byte, baseDir string) (*Document, error) {
	doc := &Document{baseDir: baseDir}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// resolve makes path absolute relative to the document directory
func (d *Document) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.baseDir, path)
}

// validate checks everything that does not need the store
func (d *Document) validate() error {
	var errs []error

	checkNames := func(kind string, names []string) map[string]bool {
		seen := make(map[string]bool, len(names))
		for i, name := range names {
			switch {
			case name == "":
				errs = append(errs, fmt.Errorf("%s #%d: name is required", kind, i+1))
			case seen[name]:
				errs = append(errs, fmt.Errorf("%s %q: defined more than once", kind, name))
			}
			seen[name] = true
		}
		return seen
	}

	serverNames := make([]string, len(d.Servers))
	for i, s := range d.Servers {
		serverNames[i] = s.Name
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("server %q: host is required", s.Name))
		}
		if s.Username == "" {
			errs = append(errs, fmt.Errorf("server %q: username is required", s.Name))
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("server %q: invalid port %d", s.Name, s.Port))
		}
		if s.PrivateKeyFile == "" && s.PasswordFile == "" {
			errs = append(errs, fmt.Errorf("server %q: private_key_file or password_file is required", s.Name))
		}
	}
	checkNames("server", serverNames)

	groupNames := make([]string, len(d.Groups))
	for i, g := range d.Groups {
		groupNames[i] = g.Name
	}
	checkNames("group", groupNames)

	playbookNames := make([]string, len(d.Playbooks))
	for i, p := range d.Playbooks {
		playbookNames[i] = p.Name
		if p.Path == "" {
			errs = append(errs, fmt.Errorf("playbook %q: path is required", p.Name))
		}
	}
	checkNames("playbook", playbookNames)

	formNames := make([]string, len(d.Forms))
	for i, f := range d.Forms {
		formNames[i] = f.Name
		if f.Playbook == "" {
			errs = append(errs, fmt.Errorf("form %q: playbook is required", f.Name))
		}
		if f.Server != "" && f.Group != "" {
			errs = append(errs, fmt.Errorf("form %q: server and group are mutually exclusive", f.Name))
		}
		if f.Schedule != "" {
			if err := scheduler.ValidateCron(f.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("form %q: invalid schedule %q: %w", f.Name, f.Schedule, err))
			}
		}
		if _, err := f.fields(); err != nil {
			errs = append(errs, fmt.Errorf("form %q: %w", f.Name, err))
		}
	}
	checkNames("form", formNames)

	return errors.Join(errs...)
}

// fields converts the field specs into an ordered form schema
func (f *FormSpec) fields() ([]domain.FormField, error) {
	fields := make([]domain.FormField, 0, len(f.Fields))
	seen := make(map[string]bool, len(f.Fields))

	for i, spec := range f.Fields {
		if spec.Name == "" {
			return nil, fmt.Errorf("field #%d: name is required", i+1)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("field %q: defined more than once", spec.Name)
		}
		seen[spec.Name] = true

		fieldType := domain.FieldTypeText
		if spec.Type != "" {
			t, err := domain.ParseFieldType(spec.Type)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", spec.Name, err)
			}
			fieldType = t
		}
		if fieldType == domain.FieldTypeSelect && len(spec.Options) == 0 {
			return nil, fmt.Errorf("field %q: select fields need options", spec.Name)
		}

		label := spec.Label
		if label == "" {
			label = spec.Name
		}
		fields = append(fields, domain.FormField{
			Name:         spec.Name,
			Label:        label,
			FieldType:    fieldType,
			DefaultValue: spec.Default,
			Options:      spec.Options,
			Required:     spec.Required,
			SortOrder:    i,
		})
	}

	// Defaults must satisfy their own field types
	withDefaults := make([]domain.FormField, 0, len(fields))
	for _, field := range fields {
		if field.HasDefault() {
			withDefaults = append(withDefaults, field)
		}
	}
	if _, err := variables.Defaults(withDefaults); err != nil {
		return nil, err
	}
	return fields, nil
}
