// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rinit-org/rinit/internal/service"
	"gopkg.in/yaml.v3"
)

// The persisted graph is one self-describing YAML document (spec §4.B /
// §6). Readers tolerate absent optional fields by applying the documented
// defaults; writers omit fields equal to their default, following the
// `skip_serializing_if` convention of original_source/service/src/types/script.rs.

type scriptDoc struct {
	Prefix        string `yaml:"prefix"`
	Execute       string `yaml:"execute"`
	TimeoutMS     uint32 `yaml:"timeout_ms,omitempty"`
	TimeoutKillMS uint32 `yaml:"timeout_kill_ms,omitempty"`
	MaxDeaths     uint8  `yaml:"max_deaths,omitempty"`
	DownSignal    int    `yaml:"down_signal,omitempty"`
	User          string `yaml:"user,omitempty"`
	Group         string `yaml:"group,omitempty"`
	Notify        *int   `yaml:"notify,omitempty"`
}

func scriptToDoc(s service.Script) scriptDoc {
	d := scriptDoc{
		Execute: s.Execute,
		User:    s.User,
		Group:   s.Group,
		Notify:  s.Notify,
	}
	switch s.Prefix {
	case service.ScriptBash:
		d.Prefix = "bash"
	case service.ScriptSh:
		d.Prefix = "sh"
	case service.ScriptPath:
		d.Prefix = "path"
	}
	if s.TimeoutMS != 0 && s.TimeoutMS != service.DefaultTimeoutMS {
		d.TimeoutMS = s.TimeoutMS
	}
	if s.TimeoutKillMS != 0 && s.TimeoutKillMS != service.DefaultTimeoutKillMS {
		d.TimeoutKillMS = s.TimeoutKillMS
	}
	if s.MaxDeaths != 0 && s.MaxDeaths != service.DefaultMaxDeaths {
		d.MaxDeaths = s.MaxDeaths
	}
	d.DownSignal = s.DownSignal
	return d
}

func scriptFromDoc(d scriptDoc, defaultSignal int) (service.Script, error) {
	var s service.Script
	switch d.Prefix {
	case "bash", "":
		s.Prefix = service.ScriptBash
	case "sh":
		s.Prefix = service.ScriptSh
	case "path":
		s.Prefix = service.ScriptPath
	default:
		return s, fmt.Errorf("invalid script prefix %q", d.Prefix)
	}
	s.Execute = d.Execute
	s.TimeoutMS = d.TimeoutMS
	s.TimeoutKillMS = d.TimeoutKillMS
	s.MaxDeaths = d.MaxDeaths
	s.DownSignal = d.DownSignal
	s.User = d.User
	s.Group = d.Group
	s.Notify = d.Notify
	return s.WithDefaults(defaultSignal), nil
}

type optionsDoc struct {
	Dependencies []string `yaml:"dependencies,omitempty"`
	Requires     []string `yaml:"requires,omitempty"`
	RequiresOne  []string `yaml:"requires_one,omitempty"`
	Autostart    *bool    `yaml:"autostart,omitempty"`
	RunLevel     string   `yaml:"runlevel,omitempty"`
}

type serviceDoc struct {
	Kind        string            `yaml:"kind"`
	Run         *scriptDoc        `yaml:"run,omitempty"`
	Finish      *scriptDoc        `yaml:"finish,omitempty"`
	Options     *optionsDoc       `yaml:"options,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Contents    []string          `yaml:"contents,omitempty"`
	Runlevel    string            `yaml:"runlevel,omitempty"`
	Providers   []string          `yaml:"providers,omitempty"`
}

type nodeDoc struct {
	Name       string     `yaml:"name"`
	Service    serviceDoc `yaml:"service"`
	Dependents []string   `yaml:"dependents,omitempty"`
}

type graphDoc struct {
	Enabled []string  `yaml:"enabled,omitempty"`
	Nodes   []nodeDoc `yaml:"nodes"`
}

// DefaultDownSignalFallback is SIGTERM's numeric value on Linux, for
// callers with no better answer; cmd/rsvc and cmd/rinitctl normally pass
// unix.SIGTERM so this package stays syscall-free.
const DefaultDownSignalFallback = 15

func runlevelString(r service.RunLevel) string {
	if r == service.RunLevelBoot {
		return "boot"
	}
	return ""
}

func parseRunlevelDoc(s string) service.RunLevel {
	if s == "boot" {
		return service.RunLevelBoot
	}
	return service.RunLevelDefault
}

func toDoc(svc *service.Service) serviceDoc {
	d := serviceDoc{Kind: svc.Kind.String()}
	switch svc.Kind {
	case service.KindOneshot, service.KindLongrun:
		run := scriptToDoc(svc.Run)
		d.Run = &run
		if svc.Finish != nil {
			f := scriptToDoc(*svc.Finish)
			d.Finish = &f
		}
		opt := optionsDoc{
			Dependencies: svc.Options.Dependencies,
			Requires:     svc.Options.Requires,
			RequiresOne:  svc.Options.RequiresOne,
			RunLevel:     runlevelString(svc.Options.RunLevel),
		}
		if !svc.Options.Autostart {
			f := false
			opt.Autostart = &f
		}
		d.Options = &opt
		d.Environment = svc.Environment
	case service.KindBundle:
		d.Contents = svc.Bundle.Contents
		d.Runlevel = runlevelString(svc.Bundle.RunLevel)
	case service.KindVirtual:
		d.Providers = svc.Providers
	}
	return d
}

func fromDoc(name string, d serviceDoc, defaultSignal int) (*service.Service, error) {
	svc := &service.Service{Name: name}
	switch d.Kind {
	case "oneshot":
		svc.Kind = service.KindOneshot
	case "longrun":
		svc.Kind = service.KindLongrun
	case "bundle":
		svc.Kind = service.KindBundle
	case "virtual":
		svc.Kind = service.KindVirtual
	default:
		return nil, fmt.Errorf("service %s: invalid kind %q", name, d.Kind)
	}

	switch svc.Kind {
	case service.KindOneshot, service.KindLongrun:
		if d.Run == nil {
			return nil, fmt.Errorf("service %s: missing run/start script", name)
		}
		run, err := scriptFromDoc(*d.Run, defaultSignal)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		svc.Run = run
		if d.Finish != nil {
			finish, err := scriptFromDoc(*d.Finish, defaultSignal)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			svc.Finish = &finish
		}
		svc.Options = service.NewServiceOptions()
		if d.Options != nil {
			svc.Options.Dependencies = d.Options.Dependencies
			svc.Options.Requires = d.Options.Requires
			svc.Options.RequiresOne = d.Options.RequiresOne
			svc.Options.RunLevel = parseRunlevelDoc(d.Options.RunLevel)
			if d.Options.Autostart != nil {
				svc.Options.Autostart = *d.Options.Autostart
			}
		}
		svc.Environment = d.Environment
	case service.KindBundle:
		svc.Bundle = service.BundleOptions{Contents: d.Contents, RunLevel: parseRunlevelDoc(d.Runlevel)}
	case service.KindVirtual:
		svc.Providers = d.Providers
	}
	return svc, nil
}

// UnmarshalService decodes one standalone service-definition document into
// a typed record. This is the deserializer contract spec §1 describes ("a
// deserializer that yields typed service records"); rinitctl uses it to
// resolve the operator's service files before handing the graph an
// already-resolved []Service.
func UnmarshalService(name string, data []byte, defaultSignal int) (*service.Service, error) {
	var doc serviceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode service %s: %w", name, err)
	}
	return fromDoc(name, doc, defaultSignal)
}

// MarshalService is UnmarshalService's inverse, used by tests and tooling
// that write definition files.
func MarshalService(svc *service.Service) ([]byte, error) {
	return yaml.Marshal(toDoc(svc))
}

// Marshal serializes g into its self-describing document form. Node and
// enabled order are preserved so two successful runs over the same input
// produce byte-identical output (spec §4.B Tie-breaks).
func (g *Graph) Marshal(defaultSignal int) ([]byte, error) {
	doc := graphDoc{}
	doc.Enabled = append(doc.Enabled, g.enabledOrder...)
	for _, name := range g.nodeOrder {
		node := g.nodes[name]
		dependents := make([]string, 0, len(node.Dependents))
		for d := range node.Dependents {
			dependents = append(dependents, d)
		}
		sort.Strings(dependents)
		svcDoc := toDoc(node.Service)
		for _, sd := range []*scriptDoc{svcDoc.Run, svcDoc.Finish} {
			if sd != nil && sd.DownSignal == defaultSignal {
				sd.DownSignal = 0 // omitted; readers restore defaultSignal
			}
		}
		doc.Nodes = append(doc.Nodes, nodeDoc{
			Name:       name,
			Service:    svcDoc,
			Dependents: dependents,
		})
	}
	return yaml.Marshal(doc)
}

// Unmarshal decodes a persisted document into a fresh Graph.
func Unmarshal(data []byte, defaultSignal int) (*Graph, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode dependency graph: %w", err)
	}
	g := New()
	for _, nd := range doc.Nodes {
		svc, err := fromDoc(nd.Name, nd.Service, defaultSignal)
		if err != nil {
			return nil, err
		}
		node := newNode(svc)
		for _, d := range nd.Dependents {
			node.Dependents[d] = true
		}
		g.nodes[nd.Name] = node
		g.nodeOrder = append(g.nodeOrder, nd.Name)
	}
	for _, name := range doc.Enabled {
		g.enabled[name] = true
		g.enabledOrder = append(g.enabledOrder, name)
	}
	return g, nil
}

// Load reads and decodes the graph from path. A missing file is not an
// error — it yields an empty graph, matching the daemon's first-boot
// behaviour in original_source/svc/src/live_service_graph.rs.
func Load(path string, defaultSignal int) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read dependency graph: %w", err)
	}
	return Unmarshal(data, defaultSignal)
}

// Save serializes g and atomically replaces path (write to a temp file in
// the same directory, then rename) so a crash mid-write never corrupts the
// persisted graph.
func (g *Graph) Save(path string, defaultSignal int) error {
	data, err := g.Marshal(defaultSignal)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create graph directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".graph-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp graph file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp graph file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp graph file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp graph file: %w", err)
	}
	return nil
}
