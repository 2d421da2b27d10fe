package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/nanobot-group/internal/mention"
	"github.com/dayuer/nanobot-group/internal/utils"
)

// RosterMember is one entry of the shared groups file. Older roster files
// wrote the identity as feishu_open_id or open_id.
type RosterMember struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type,omitempty"`
	Description  string `yaml:"description,omitempty"`
	FeishuOpenID string `yaml:"feishuOpenId,omitempty"`

	LegacyFeishuOpenID string `yaml:"feishu_open_id,omitempty"`
	LegacyOpenID       string `yaml:"open_id,omitempty"`
}

// Identity returns the platform identity under whichever key was present.
func (m RosterMember) Identity() string {
	for _, id := range []string{m.FeishuOpenID, m.LegacyFeishuOpenID, m.LegacyOpenID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// RosterPath returns the group roster location. groups.yaml is preferred;
// an existing groups.json is used when no yaml file exists.
func (c Config) RosterPath() string {
	if c.Group.RosterPath != "" {
		return utils.ExpandHome(c.Group.RosterPath)
	}
	dir := utils.GetDataPath()
	yamlPath := filepath.Join(dir, "groups.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := filepath.Join(dir, "groups.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// LoadRoster reads the group roster. The file is a YAML list; the JSON array
// form parses the same way. A missing file is an empty roster.
func LoadRoster(path string) ([]mention.Member, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var raw []RosterMember
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	members := make([]mention.Member, 0, len(raw))
	for _, m := range raw {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		typ := m.Type
		if typ == "" {
			typ = mention.TypeBot
		}
		members = append(members, mention.Member{
			ID:          m.Identity(),
			Name:        strings.TrimSpace(m.Name),
			Type:        typ,
			Description: m.Description,
		})
	}
	return members, nil
}

// SaveRoster writes members as YAML.
func SaveRoster(path string, members []RosterMember) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(members)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
