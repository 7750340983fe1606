// Package tutor generates tutor replies. It owns the persona catalog, the
// prompt templates built from it and the Gemini client that answers.
package tutor

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Language is a practice language offered by the wizard.
type Language struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// Partner is a conversation persona. Tone, Style and FeedbackGuidance may
// reference {{.Language}}.
type Partner struct {
	Name             string   `yaml:"name" json:"name"`
	PersonaName      string   `yaml:"persona_name" json:"persona_name"`
	Role             string   `yaml:"role" json:"-"`
	Tone             string   `yaml:"tone" json:"-"`
	Style            string   `yaml:"style" json:"-"`
	FeedbackIntro    string   `yaml:"feedback_intro" json:"-"`
	FeedbackTitle    string   `yaml:"feedback_title" json:"feedback_title"`
	FeedbackGuidance string   `yaml:"feedback_guidance" json:"-"`
	FeedbackExamples []string `yaml:"feedback_examples" json:"-"`
}

// Catalog is an immutable snapshot of everything the wizard offers.
type Catalog struct {
	Languages    []Language `yaml:"languages" json:"languages"`
	Difficulties []string   `yaml:"difficulties" json:"difficulties"`
	Partners     []Partner  `yaml:"partners" json:"partners"`
	Topics       []string   `yaml:"topics" json:"topics"`
}

// ParseCatalog decodes a YAML catalog without validating it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(embeddedCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog returns the embedded catalog with every .yaml/.yml file in dir
// merged over it, in file name order. An empty dir yields the embedded
// catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := DefaultCatalog()
	if dir == "" {
		return c, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		override, err := ParseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		c = c.merge(override)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// merge returns a copy of c with o layered on top. Languages and partners
// are replaced by key; difficulties and topics are replaced wholesale when o
// sets them.
func (c *Catalog) merge(o *Catalog) *Catalog {
	out := &Catalog{
		Languages:    append([]Language(nil), c.Languages...),
		Difficulties: append([]string(nil), c.Difficulties...),
		Partners:     append([]Partner(nil), c.Partners...),
		Topics:       append([]string(nil), c.Topics...),
	}

	for _, l := range o.Languages {
		if i := out.languageIndex(l.Code); i >= 0 {
			out.Languages[i] = l
			continue
		}
		out.Languages = append(out.Languages, l)
	}
	for _, p := range o.Partners {
		if i := out.partnerIndex(p.Name); i >= 0 {
			out.Partners[i] = p
			continue
		}
		out.Partners = append(out.Partners, p)
	}
	if len(o.Difficulties) > 0 {
		out.Difficulties = append([]string(nil), o.Difficulties...)
	}
	if len(o.Topics) > 0 {
		out.Topics = append([]string(nil), o.Topics...)
	}
	return out
}

// Validate checks that the catalog is usable by the wizard and that every
// persona template parses.
func (c *Catalog) Validate() error {
	if len(c.Languages) == 0 {
		return fmt.Errorf("catalog has no languages")
	}
	if len(c.Difficulties) == 0 {
		return fmt.Errorf("catalog has no difficulties")
	}
	for _, l := range c.Languages {
		if l.Code == "" || l.Name == "" {
			return fmt.Errorf("language %q: code and name are required", l.Code)
		}
	}
	for _, p := range c.Partners {
		if p.Name == "" || p.PersonaName == "" {
			return fmt.Errorf("partner %q: name and persona_name are required", p.Name)
		}
		for _, field := range []string{p.Tone, p.Style, p.FeedbackGuidance} {
			if _, err := template.New(p.Name).Parse(field); err != nil {
				return fmt.Errorf("partner %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Language looks a language up by code, case-insensitively.
func (c *Catalog) Language(code string) (Language, bool) {
	if i := c.languageIndex(code); i >= 0 {
		return c.Languages[i], true
	}
	return Language{}, false
}

// Partner looks a persona up by its display name.
func (c *Catalog) Partner(name string) (*Partner, bool) {
	if i := c.partnerIndex(name); i >= 0 {
		p := c.Partners[i]
		return &p, true
	}
	return nil, false
}

// HasDifficulty reports whether d is an offered difficulty.
func (c *Catalog) HasDifficulty(d string) bool {
	for _, v := range c.Difficulties {
		if v == d {
			return true
		}
	}
	return false
}

func (c *Catalog) languageIndex(code string) int {
	for i, l := range c.Languages {
		if strings.EqualFold(l.Code, code) {
			return i
		}
	}
	return -1
}

func (c *Catalog) partnerIndex(name string) int {
	for i, p := range c.Partners {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
