package healing

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed hardcoded/*.yaml
var hardcodedFS embed.FS

type registryFile struct {
	Site  string             `yaml:"site"`
	Tasks map[string]taskDef `yaml:"tasks"`
}

type taskDef struct {
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Shape       Shape  `yaml:"shape"`
	Example     string `yaml:"example"`
	Hint        string `yaml:"hint"`
	Reference   string `yaml:"reference"`
	Body        string `yaml:"body"`
}

// Registry is the catalog of known tasks per site together with their
// built-in page scripts.
type Registry struct {
	sites map[string]map[string]taskDef
}

// LoadRegistry parses the embedded built-in catalog.
func LoadRegistry() (*Registry, error) {
	sub, err := fs.Sub(hardcodedFS, "hardcoded")
	if err != nil {
		return nil, err
	}
	return NewRegistry(sub)
}

// NewRegistry parses every *.yaml file at the root of fsys.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	r := &Registry{sites: make(map[string]map[string]taskDef)}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var f registryFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		if f.Site == "" {
			return nil, fmt.Errorf("%s: missing site", e.Name())
		}
		for name, def := range f.Tasks {
			if def.Shape.Kind == "" {
				return nil, fmt.Errorf("%s: task %s has no shape kind", e.Name(), name)
			}
			if def.Reference != "" {
				if _, ok := f.Tasks[def.Reference]; !ok {
					return nil, fmt.Errorf("%s: task %s references unknown task %s", e.Name(), name, def.Reference)
				}
			}
		}
		r.sites[f.Site] = f.Tasks
	}
	return r, nil
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Task builds the named task for site, filling {param} placeholders in its
// URL. A "date" param in YYYY-MM-DD also provides "date_compact".
func (r *Registry) Task(site, name string, params map[string]string) (Task, error) {
	def, ok := r.sites[site][name]
	if !ok {
		return Task{}, fmt.Errorf("unknown task %s/%s", site, name)
	}

	p := make(map[string]string, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	if d, ok := p["date"]; ok {
		if _, set := p["date_compact"]; !set {
			p["date_compact"] = strings.ReplaceAll(d, "-", "")
		}
	}

	var missing []string
	url := placeholderRe.ReplaceAllStringFunc(def.URL, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := p[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return Task{}, fmt.Errorf("task %s/%s: missing params %s", site, name, strings.Join(missing, ", "))
	}

	return Task{
		Site:        site,
		Name:        name,
		Params:      p,
		URL:         url,
		Description: def.Description,
		Shape:       def.Shape,
		Example:     def.Example,
		Hint:        def.Hint,
		Reference:   def.Reference,
	}, nil
}

// Body returns the built-in script for a task.
func (r *Registry) Body(site, name string) (string, bool) {
	def, ok := r.sites[site][name]
	if !ok || strings.TrimSpace(def.Body) == "" {
		return "", false
	}
	return def.Body, true
}

// Sites lists the sites with a catalog, sorted.
func (r *Registry) Sites() []string {
	out := make([]string, 0, len(r.sites))
	for s := range r.sites {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Tasks lists the task names for a site, sorted.
func (r *Registry) Tasks(site string) []string {
	out := make([]string, 0, len(r.sites[site]))
	for name := range r.sites[site] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
