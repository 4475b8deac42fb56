// Package templates holds the shell scripts executed on the target host and
// the nginx site template. Everything is embedded in the binary so a deploy
// never depends on files next to the executable.
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"shipyard/pkg/fileutil"
)

//go:embed scripts/*.sh nginx/site.conf
var files embed.FS

// Script names
const (
	ScriptProvision        = "provision"
	ScriptSyncPrepare      = "sync-prepare"
	ScriptUpload           = "upload"
	ScriptSyncUnpack       = "sync-unpack"
	ScriptDeployCompose    = "deploy-compose"
	ScriptDeployDockerfile = "deploy-dockerfile"
	ScriptStatusCompose    = "status-compose"
	ScriptStatusDockerfile = "status-dockerfile"
	ScriptLogsCompose      = "logs-compose"
	ScriptLogsDockerfile   = "logs-dockerfile"
	ScriptProxyDetect      = "proxy-detect"
	ScriptProxyApply       = "proxy-apply"
	ScriptValidate         = "validate"
	ScriptCleanup          = "cleanup"
)

// NginxSite is the reverse proxy site template.
const NginxSite = "nginx-site"

const prelude = "prelude"

// DefaultNginxDir is the nginx configuration root on the host.
const DefaultNginxDir = "/etc/nginx"

// HeaderPrefix starts the first line of every rendered script.
const HeaderPrefix = "# shipyard:"

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

var placeholderPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// GetTemplatePaths returns the override search paths for a template.
// Only the nginx site can be overridden; scripts always come from the binary.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	paths := []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "shipyard", "templates", filename))
	}
	return paths
}

// GetTemplate returns the raw template content by name.
// The nginx site is loaded from the first override path that exists:
// 1. ./templates/nginx-site.template
// 2. ./config/templates/nginx-site.template
// 3. $XDG_CONFIG_HOME/shipyard/templates/nginx-site.template
// and falls back to the embedded copy.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) && name != prelude {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	if name == NginxSite {
		if path := fileutil.SearchPathsOptional(GetTemplatePaths(name)); path != "" {
			content, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to read template override %s: %w", path, err)
			}
			return string(content), nil
		}
		content, err := files.ReadFile("nginx/site.conf")
		if err != nil {
			return "", fmt.Errorf("template file not found: %s: %w", name, err)
		}
		return string(content), nil
	}

	content, err := files.ReadFile("scripts/" + name + ".sh")
	if err != nil {
		return "", fmt.Errorf("template file not found: %s: %w", name, err)
	}
	return string(content), nil
}

// Placeholders returns the sorted, de-duplicated placeholder names in content.
func Placeholders(content string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution. Every placeholder
// must have a value and every value must have a placeholder.
//
// Example:
//
//	data := TemplateData{
//	    "PROJECT":  "demo",
//	    "APP_PORT": "4000",
//	}
//	rendered, err := Render(NginxSite, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}
	return substitute(templateName, tmplContent, data, func(v string) string { return v })
}

// RenderScript renders a remote script. Values are shell quoted, the shared
// prelude is prepended and the first line names the script so it can be
// recognized in logs.
func RenderScript(name string, data TemplateData) (string, error) {
	if name == NginxSite {
		return "", fmt.Errorf("%s is not a script", name)
	}
	body, err := GetTemplate(name)
	if err != nil {
		return "", err
	}
	rendered, err := substitute(name, body, data, func(v string) string { return shellquote.Join(v) })
	if err != nil {
		return "", err
	}
	head, err := GetTemplate(prelude)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(HeaderPrefix + name + "\n")
	b.WriteString(head)
	b.WriteString("\n")
	b.WriteString(rendered)
	return b.String(), nil
}

// ScriptName extracts the script name from a rendered script's header line.
func ScriptName(script string) string {
	line, _, _ := strings.Cut(script, "\n")
	name, ok := strings.CutPrefix(line, HeaderPrefix)
	if !ok {
		return ""
	}
	return name
}

func substitute(name, content string, data TemplateData, quote func(string) string) (string, error) {
	declared := map[string]bool{}
	for _, p := range Placeholders(content) {
		declared[p] = true
		if _, ok := data[p]; !ok {
			return "", fmt.Errorf("template %s: missing value for {{%s}}", name, p)
		}
	}
	for key := range data {
		if !declared[key] {
			return "", fmt.Errorf("template %s: unknown parameter %s", name, key)
		}
	}

	rendered := placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		return quote(data[key])
	})
	return rendered, nil
}

// RenderNginxSite renders the reverse proxy site for a project.
func RenderNginxSite(project string, appPort int) (string, error) {
	return Render(NginxSite, TemplateData{
		"PROJECT":  project,
		"APP_PORT": strconv.Itoa(appPort),
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		ScriptProvision,
		ScriptSyncPrepare,
		ScriptUpload,
		ScriptSyncUnpack,
		ScriptDeployCompose,
		ScriptDeployDockerfile,
		ScriptStatusCompose,
		ScriptStatusDockerfile,
		ScriptLogsCompose,
		ScriptLogsDockerfile,
		ScriptProxyDetect,
		ScriptProxyApply,
		ScriptValidate,
		ScriptCleanup,
		NginxSite,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	for _, n := range ListTemplates() {
		if n == name {
			return true
		}
	}
	return false
}
