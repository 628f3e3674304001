// Package registry holds the static mapping from trigger keys to the scanners
// that run when the key is detected in a source tree.
package registry

import (
	"fmt"
	"strings"
)

// TriggerKey identifies a language or artifact category.
type TriggerKey string

const (
	KeyPython     TriggerKey = ".py"
	KeyJava       TriggerKey = ".java"
	KeyJavaScript TriggerKey = ".js"
	KeyGo         TriggerKey = ".go"
	KeyRuby       TriggerKey = ".rb"
	KeyShell      TriggerKey = ".sh"
	KeyDockerfile TriggerKey = "Dockerfile"
	KeyGlobal     TriggerKey = "GLOBAL"
)

const (
	PlaceholderOutput = "{OUTPUT}"
	PlaceholderFile   = "{FILE}"
)

// ToolDescriptor describes how to invoke one scanner.
type ToolDescriptor struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

// Category binds a trigger key to the files that activate it and the tools it runs.
type Category struct {
	Key        TriggerKey       `yaml:"key"`
	Extensions []string         `yaml:"extensions,omitempty"`
	Filenames  []string         `yaml:"filenames,omitempty"`
	PerFile    bool             `yaml:"per_file,omitempty"`
	Tools      []ToolDescriptor `yaml:"tools"`
}

func semgrep() []string {
	return []string{"semgrep", "scan", "--json", "--output", PlaceholderOutput, "--config", "auto"}
}

// categories is ordered; that order drives detection output and report ordering.
var categories = []Category{
	{
		Key:        KeyPython,
		Extensions: []string{".py"},
		Tools: []ToolDescriptor{
			{Name: "bandit", Command: []string{"bandit", "-r", ".", "-f", "json", "-o", PlaceholderOutput}},
			{Name: "semgrep_python", Command: semgrep()},
		},
	},
	{
		Key:        KeyJava,
		Extensions: []string{".java"},
		Filenames:  []string{"pom.xml", "build.gradle"},
		Tools: []ToolDescriptor{
			{Name: "pmd", Command: []string{"pmd", "check", "-d", ".", "-f", "json", "-R", "rulesets/java/quickstart.xml", "-r", PlaceholderOutput}},
			{Name: "spotbugs", Command: []string{"spotbugs", "-textui", "-json", "-output", PlaceholderOutput, "."}},
			{Name: "semgrep_java", Command: semgrep()},
		},
	},
	{
		Key:        KeyJavaScript,
		Extensions: []string{".js"},
		Tools: []ToolDescriptor{
			{Name: "eslint", Command: []string{"eslint", ".", "-f", "json", "-o", PlaceholderOutput}},
			{Name: "njsscan", Command: []string{"njsscan", ".", "--json", "--output", PlaceholderOutput}},
			{Name: "semgrep_js", Command: semgrep()},
		},
	},
	{
		Key:        KeyGo,
		Extensions: []string{".go"},
		Tools: []ToolDescriptor{
			{Name: "gosec", Command: []string{"gosec", "-fmt=json", "-out=" + PlaceholderOutput, "./..."}},
			{Name: "govulncheck", Command: []string{"govulncheck", "-json", "./..."}},
		},
	},
	{
		Key:        KeyRuby,
		Extensions: []string{".rb"},
		Filenames:  []string{"Gemfile"},
		Tools: []ToolDescriptor{
			{Name: "dawnscanner", Command: []string{"dawn", "-j", "-f", "json", "."}},
			{Name: "brakeman", Command: []string{"brakeman", "-f", "json", "-o", PlaceholderOutput}},
		},
	},
	{
		Key:        KeyShell,
		Extensions: []string{".sh"},
		PerFile:    true,
		Tools: []ToolDescriptor{
			{Name: "shellcheck", Command: []string{"shellcheck", "-f", "json", PlaceholderFile}},
		},
	},
	{
		Key:       KeyDockerfile,
		Filenames: []string{"Dockerfile"},
		Tools: []ToolDescriptor{
			{Name: "trivy_config", Command: []string{"trivy", "config", "--format", "json", "--output", PlaceholderOutput, "."}},
		},
	},
	{
		Key: KeyGlobal,
		Tools: []ToolDescriptor{
			{Name: "gitleaks", Command: []string{"gitleaks", "detect", "--source", ".", "--format", "json", "--report-path", PlaceholderOutput, "--no-git"}},
			{Name: "trivy_fs", Command: []string{"trivy", "fs", "--format", "json", "--output", PlaceholderOutput, "."}},
		},
	},
}

// Categories returns a deep copy of the registry in its canonical order.
func Categories() []Category {
	out := make([]Category, len(categories))
	for i, c := range categories {
		out[i] = Category{
			Key:        c.Key,
			Extensions: append([]string(nil), c.Extensions...),
			Filenames:  append([]string(nil), c.Filenames...),
			PerFile:    c.PerFile,
			Tools:      copyTools(c.Tools),
		}
	}
	return out
}

// Keys lists every defined key, GLOBAL last.
func Keys() []TriggerKey {
	keys := make([]TriggerKey, len(categories))
	for i, c := range categories {
		keys[i] = c.Key
	}
	return keys
}

// Tools returns the tools registered for key, or nil if the key is unknown.
func Tools(key TriggerKey) []ToolDescriptor {
	for _, c := range categories {
		if c.Key == key {
			return copyTools(c.Tools)
		}
	}
	return nil
}

// Global returns the tools that run regardless of the tree's contents.
func Global() []ToolDescriptor {
	return Tools(KeyGlobal)
}

// IsPerFile reports whether the key's tools run once per matching file.
func IsPerFile(key TriggerKey) bool {
	for _, c := range categories {
		if c.Key == key {
			return c.PerFile
		}
	}
	return false
}

// Match returns the key activated by a file name. The extension is compared
// case-insensitively; filename rules win over extension rules.
func Match(filename string) (TriggerKey, bool) {
	for _, c := range categories {
		for _, f := range c.Filenames {
			if filename == f {
				return c.Key, true
			}
		}
	}

	ext := strings.ToLower(extension(filename))
	if ext == "" {
		return "", false
	}
	for _, c := range categories {
		for _, e := range c.Extensions {
			if ext == e {
				return c.Key, true
			}
		}
	}
	return "", false
}

// ReportPrefix is the key's component of report file names.
func (k TriggerKey) ReportPrefix() string {
	if k == KeyGlobal {
		return "global"
	}
	return strings.TrimPrefix(string(k), ".")
}

// ReportName derives the report file name for a tool run under key.
func ReportName(key TriggerKey, tool string) string {
	return fmt.Sprintf("%s_%s.json", key.ReportPrefix(), tool)
}

// PerFileReportName derives the report file name for the i-th per-file run.
func PerFileReportName(key TriggerKey, index int) string {
	return fmt.Sprintf("%s_%d.json", key.ReportPrefix(), index)
}

// Resolve substitutes {OUTPUT} and {FILE} in every token of template.
func Resolve(template []string, output, file string) []string {
	r := strings.NewReplacer(PlaceholderOutput, output, PlaceholderFile, file)
	resolved := make([]string, len(template))
	for i, tok := range template {
		resolved[i] = r.Replace(tok)
	}
	return resolved
}

// UsesOutput reports whether the tool writes its own report via {OUTPUT}.
func UsesOutput(template []string) bool {
	for _, tok := range template {
		if strings.Contains(tok, PlaceholderOutput) {
			return true
		}
	}
	return false
}

// extension mirrors filepath.Ext but treats dotfiles such as ".sh" as having
// no extension.
func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return ""
	}
	return name[i:]
}

func copyTools(in []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(in))
	for i, t := range in {
		out[i] = ToolDescriptor{Name: t.Name, Command: append([]string(nil), t.Command...)}
	}
	return out
}
