package convert

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/pipeline"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/queue"
	"github.com/cadflow/cadflow/pkg/registry"
)

// FromJob turns a queued job into a request.
func FromJob(j queue.Job) (Request, error) {
	if err := j.Validate(); err != nil {
		return Request{}, err
	}
	req := Request{Name: j.ID, AllOrNothing: &j.AllOrNothing}
	for _, in := range j.Inputs {
		req.Inputs = append(req.Inputs, pipeline.ImportRequest{Path: in, Overrides: j.Overrides})
	}
	for _, t := range j.Targets {
		var f format.Format
		if t.Format != "" {
			var err error
			if f, err = format.Parse(t.Format); err != nil {
				return Request{}, err
			}
		}
		req.Targets = append(req.Targets, pipeline.ExportRequest{Path: t.Path, Format: f, Overrides: t.Overrides})
	}
	return req, nil
}

// ForFile builds the request converting one dropped file into each target
// format, written to outDir (the file's own directory when empty) under the
// file's stem and the format's first suffix.
func ForFile(path, outDir string, targets []format.Format) (Request, error) {
	if outDir == "" {
		outDir = filepath.Dir(path)
	}
	req := Request{Inputs: []pipeline.ImportRequest{{Path: path}}}
	for _, f := range targets {
		sfx := f.Suffixes()
		if len(sfx) == 0 {
			return Request{}, fmt.Errorf("format %q has no file suffix", f.Name())
		}
		out := filepath.Join(outDir, stem(path)+"."+sfx[0])
		if out == filepath.Clean(path) {
			continue
		}
		req.Targets = append(req.Targets, pipeline.ExportRequest{Path: out, Format: f})
	}
	return req, nil
}

// CheckOverrides validates the reader and writer overrides of req against
// the registered parameters without touching any file. A value must parse
// for every candidate format of its file that declares the key, and an
// unqualified key must be declared by some input (or some target) of the
// request. Inputs whose format the suffix does not give are checked against
// every reader.
func CheckOverrides(reg *registry.Registry, req Request) error {
	var m cferrors.MultiError

	inputs := make([][]format.Format, len(req.Inputs))
	for i, in := range req.Inputs {
		switch {
		case in.Format != format.Unknown:
			inputs[i] = []format.Format{in.Format}
		default:
			if f, err := reg.ResolveByExtension(in.Path, plugin.RoleReader); err == nil {
				inputs[i] = []format.Format{f}
			} else {
				inputs[i] = reg.Formats(plugin.RoleReader)
			}
		}
	}
	readers := union(inputs)
	for i, in := range req.Inputs {
		m.Add(checkOverrides(reg, plugin.RoleReader, in.Path, inputs[i], readers, in.Overrides))
	}

	// unknown targets fail on their own when exported
	targets := make([][]format.Format, len(req.Targets))
	for i, t := range req.Targets {
		if f := TargetFormat(t); reg.Supports(f, plugin.RoleWriter) {
			targets[i] = []format.Format{f}
		}
	}
	writers := union(targets)
	for i, t := range req.Targets {
		if targets[i] == nil {
			continue
		}
		m.Add(checkOverrides(reg, plugin.RoleWriter, t.Path, targets[i], writers, t.Overrides))
	}
	return m.Combined()
}

// checkOverrides checks the overrides of one file with candidate formats.
// declaring lists the formats any of which may declare an unqualified key.
func checkOverrides(reg *registry.Registry, role plugin.Role, path string, candidates, declaring []format.Format, overrides map[string]string) error {
	for _, key := range sortedKeys(overrides) {
		name, only := pipeline.SplitOverride(key)
		groups, scope := candidates, declaring
		if only != format.Unknown {
			if !reg.Supports(only, role) {
				return cferrors.UnsupportedFormat(only.String(), role.String()).WithPath(path)
			}
			groups, scope = []format.Format{only}, []format.Format{only}
		}

		for _, f := range groups {
			params, ok := snapshot(reg, f, role)
			if !ok || !params.Has(name) {
				continue
			}
			if _, err := params.WithText(name, overrides[key]); err != nil {
				var e *cferrors.Error
				if errors.As(err, &e) {
					e.WithPath(path).WithFormat(f.String())
				}
				return err
			}
		}

		declared := false
		for _, f := range scope {
			if params, ok := snapshot(reg, f, role); ok && params.Has(name) {
				declared = true
				break
			}
		}
		if !declared {
			e := cferrors.UnknownProperty(name).WithPath(path)
			if only != format.Unknown {
				e.WithFormat(only.String())
			}
			return e
		}
	}
	return nil
}

func snapshot(reg *registry.Registry, f format.Format, role plugin.Role) (property.Values, bool) {
	g, err := reg.Parameters(f, role)
	if err != nil {
		return property.Values{}, false
	}
	return g.Snapshot(), true
}

func union(sets [][]format.Format) []format.Format {
	seen := make(map[format.Format]bool)
	var out []format.Format
	for _, set := range sets {
		for _, f := range set {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
