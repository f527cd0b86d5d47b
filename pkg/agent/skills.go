package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillsDirName = "skills"

// SkillsLoader discovers skills under the workspace. A skill is a
// directory holding a SKILL.md whose YAML frontmatter declares a
// description plus optional requirements and an always flag:
//
//	---
//	description: Git workflow helper
//	metadata: {"pincer": {"requires": {"bins": ["git"]}, "always": false}}
//	---
//
// Skills load progressively: the system prompt carries only a summary and
// the model reads a skill's full SKILL.md on demand, except always-on
// skills whose body is inlined.
type SkillsLoader struct {
	skillsDir string
}

// SkillInfo identifies one discovered skill.
type SkillInfo struct {
	Name string
	Path string
}

type skillMeta struct {
	Description string
	Always      bool
	Bins        []string
	Env         []string
}

func NewSkillsLoader(workspaceRoot string) *SkillsLoader {
	return &SkillsLoader{skillsDir: filepath.Join(workspaceRoot, skillsDirName)}
}

// List returns discovered skills sorted by name. With filterUnavailable
// set, skills whose requirements are not met are dropped.
func (l *SkillsLoader) List(filterUnavailable bool) []SkillInfo {
	entries, err := os.ReadDir(l.skillsDir)
	if err != nil {
		return nil
	}

	var skills []SkillInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(l.skillsDir, entry.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}

		if filterUnavailable && !requirementsMet(l.meta(entry.Name())) {
			continue
		}
		skills = append(skills, SkillInfo{Name: entry.Name(), Path: path})
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// Load returns a skill's full SKILL.md content.
func (l *SkillsLoader) Load(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(l.skillsDir, name, "SKILL.md"))
	if err != nil {
		return "", false
	}

	return string(data), true
}

// LoadForContext renders the named skills, frontmatter stripped, for
// inlining into the system prompt.
func (l *SkillsLoader) LoadForContext(names []string) string {
	var parts []string
	for _, name := range names {
		content, ok := l.Load(name)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", name, stripFrontmatter(content)))
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// AlwaysSkills returns skills flagged always-on whose requirements are met.
func (l *SkillsLoader) AlwaysSkills() []string {
	var names []string
	for _, skill := range l.List(true) {
		if l.meta(skill.Name).Always {
			names = append(names, skill.Name)
		}
	}

	return names
}

// Summary renders every discovered skill, including unavailable ones, as
// an XML block for the system prompt. Unavailable skills list what they
// are missing so the model can try to install it.
func (l *SkillsLoader) Summary() string {
	skills := l.List(false)
	if len(skills) == 0 {
		return ""
	}

	lines := []string{"<skills>"}
	for _, skill := range skills {
		meta := l.meta(skill.Name)
		available := requirementsMet(meta)

		description := meta.Description
		if description == "" {
			description = skill.Name
		}

		lines = append(lines, fmt.Sprintf("  <skill available=%q>", fmt.Sprintf("%t", available)))
		lines = append(lines, fmt.Sprintf("    <name>%s</name>", escapeXML(skill.Name)))
		lines = append(lines, fmt.Sprintf("    <description>%s</description>", escapeXML(description)))
		lines = append(lines, fmt.Sprintf("    <location>%s</location>", skill.Path))
		if !available {
			if missing := missingRequirements(meta); missing != "" {
				lines = append(lines, fmt.Sprintf("    <requires>%s</requires>", escapeXML(missing)))
			}
		}
		lines = append(lines, "  </skill>")
	}
	lines = append(lines, "</skills>")

	return strings.Join(lines, "\n")
}

func (l *SkillsLoader) meta(name string) skillMeta {
	content, ok := l.Load(name)
	if !ok {
		return skillMeta{}
	}

	raw, _, found := splitFrontmatter(content)
	if !found {
		return skillMeta{}
	}

	var front struct {
		Description string         `yaml:"description"`
		Always      bool           `yaml:"always"`
		Metadata    map[string]any `yaml:"metadata"`
	}
	if err := yaml.Unmarshal([]byte(raw), &front); err != nil {
		return skillMeta{}
	}

	meta := skillMeta{Description: front.Description, Always: front.Always}

	// The metadata value nests tool-specific settings under a "pincer"
	// key, as JSON-flavored YAML. Round-trip the subtree to type it.
	if nested, ok := front.Metadata["pincer"]; ok {
		var inner struct {
			Requires struct {
				Bins []string `yaml:"bins"`
				Env  []string `yaml:"env"`
			} `yaml:"requires"`
			Always bool `yaml:"always"`
		}
		if encoded, err := yaml.Marshal(nested); err == nil {
			if err := yaml.Unmarshal(encoded, &inner); err == nil {
				meta.Bins = inner.Requires.Bins
				meta.Env = inner.Requires.Env
				meta.Always = meta.Always || inner.Always
			}
		}
	}

	return meta
}

func requirementsMet(meta skillMeta) bool {
	for _, bin := range meta.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, env := range meta.Env {
		if os.Getenv(env) == "" {
			return false
		}
	}

	return true
}

func missingRequirements(meta skillMeta) string {
	var missing []string
	for _, bin := range meta.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "CLI: "+bin)
		}
	}
	for _, env := range meta.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "ENV: "+env)
		}
	}

	return strings.Join(missing, ", ")
}

func splitFrontmatter(content string) (meta string, body string, ok bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content, false
	}

	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", content, false
	}

	body = rest[end+len("\n---"):]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	return rest[:end], strings.TrimSpace(body), true
}

func stripFrontmatter(content string) string {
	_, body, ok := splitFrontmatter(content)
	if !ok {
		return strings.TrimSpace(content)
	}

	return body
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
