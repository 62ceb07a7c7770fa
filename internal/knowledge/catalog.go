package knowledge

import (
	"fmt"
	"strings"

	"github.com/ashureev/guidebot/internal/domain"
	"gopkg.in/yaml.v3"
)

// LaunchCommand maps phrases typed in the chat to a tour.
// ByContext picks a tour per context tag and takes precedence over Tour.
type LaunchCommand struct {
	Phrases   []string                     `yaml:"phrases"`
	Tour      string                       `yaml:"tour,omitempty"`
	ByContext map[domain.ContextTag]string `yaml:"by_context,omitempty"`
	Contexts  []domain.ContextTag          `yaml:"contexts"`
}

func (c LaunchCommand) allows(tag domain.ContextTag) bool {
	for _, t := range c.Contexts {
		if t == tag {
			return true
		}
	}
	return false
}

func (c LaunchCommand) tourFor(tag domain.ContextTag) string {
	if id, ok := c.ByContext[tag]; ok {
		return id
	}
	return c.Tour
}

// Catalog holds every configured tour plus the chat phrases that launch them.
type Catalog struct {
	Tours    []domain.Tour   `yaml:"tours"`
	Commands []LaunchCommand `yaml:"launch_commands"`

	byID map[string]int
}

// LoadCatalog reads the tour catalog at path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := readSource(path, defaultToursPath)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML tour catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode tour catalog: %w", err)
	}
	c.byID = make(map[string]int, len(c.Tours))
	for i, t := range c.Tours {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid tour catalog: %w", err)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("invalid tour catalog: duplicate tour %s", t.ID)
		}
		c.byID[t.ID] = i
	}
	for i, cmd := range c.Commands {
		if len(cmd.Phrases) == 0 {
			return nil, fmt.Errorf("invalid tour catalog: launch command %d has no phrases", i)
		}
		for _, tag := range cmd.Contexts {
			id := cmd.tourFor(tag)
			idx, ok := c.byID[id]
			if !ok {
				return nil, fmt.Errorf("invalid tour catalog: launch command %d references unknown tour %q for %s", i, id, tag)
			}
			if !c.Tours[idx].AppliesTo(tag) {
				return nil, fmt.Errorf("invalid tour catalog: launch command %d starts tour %s under %s, which the tour does not run in", i, id, tag)
			}
		}
	}
	return &c, nil
}

// Tour returns the tour with id.
func (c *Catalog) Tour(id string) (domain.Tour, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Tour{}, false
	}
	return c.Tours[i], true
}

// ForContext lists the tours that apply to tag, in catalog order.
func (c *Catalog) ForContext(tag domain.ContextTag) []domain.Tour {
	var out []domain.Tour
	for _, t := range c.Tours {
		if t.AppliesTo(tag) {
			out = append(out, t)
		}
	}
	return out
}

// Detect finds the first launch command whose phrase appears in message, that is
// allowed under tag and whose tour runs under tag.
func (c *Catalog) Detect(message string, tag domain.ContextTag) (domain.Tour, bool) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	for _, cmd := range c.Commands {
		if !cmd.allows(tag) || !containsAny(normalized, cmd.Phrases) {
			continue
		}
		if t, ok := c.Tour(cmd.tourFor(tag)); ok && t.AppliesTo(tag) {
			return t, true
		}
	}
	return domain.Tour{}, false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
