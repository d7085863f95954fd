package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// subdirKinds maps the bulk-load directory tree's subfolders to their kind,
// per spec.md §4.2 ("subfolders scalars/, aggregates/, constraints/, tvfs/,
// packages/").
var subdirKinds = map[string]Kind{
	"scalars":     KindScalar,
	"aggregates":  KindAggregate,
	"constraints": KindConstraint,
	"tvfs":        KindTvf,
}

// metaSidecar mirrors the JSON shape accepted from a `<name>.meta.json`
// sidecar or a top-of-file block-comment JSON blob (spec.md §4.2, sources
// 1 and 2).
type metaSidecar struct {
	Kind       string      `json:"kind"`
	Returns    []string    `json:"returns"`
	Nullable   bool        `json:"nullable"`
	TvfColumns []TvfColumn `json:"tvf_columns"`
}

func kindFromString(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "scalar":
		return KindScalar, nil
	case "aggregate":
		return KindAggregate, nil
	case "constraint":
		return KindConstraint, nil
	case "tvf":
		return KindTvf, nil
	default:
		return 0, fmt.Errorf("registry: unknown function kind %q in metadata", s)
	}
}

// LoadDirectory bulk-loads every script under root's scalars/, aggregates/,
// constraints/, tvfs/, and packages/ subfolders, resolving metadata in the
// order described by spec.md §4.2: (1) sidecar, (2) top-of-file block
// comment JSON, (3) a `<name>__meta()` convention function evaluated in a
// fresh VM, (4) default metadata.
//
// A per-file failure is logged to an adjacent "<stem>.error.log" and does
// not abort the walk, matching §7's "File-load errors for scripts log ...
// and continue loading other scripts".
func (r *Registry) LoadDirectory(root string, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for subdir, kind := range subdirKinds {
		dir := filepath.Join(root, subdir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("registry: reading %s: %w", dir, err)
		}
		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".lua") {
				continue
			}
			name := strings.TrimSuffix(de.Name(), ".lua")
			path := filepath.Join(dir, de.Name())
			if err := r.loadFile(name, path, kind, log); err != nil {
				logScriptLoadError(path, name, err, log)
			}
		}
	}
	// packages/ holds shared library source, always Scalar kind by
	// convention and never directly callable as a UDF; loaded so their
	// symbols are present in every prepared VM.
	pkgDir := filepath.Join(root, "packages")
	if entries, err := os.ReadDir(pkgDir); err == nil {
		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".lua") {
				continue
			}
			name := strings.TrimSuffix(de.Name(), ".lua")
			path := filepath.Join(pkgDir, de.Name())
			if err := r.loadFile(name, path, KindScalar, log); err != nil {
				logScriptLoadError(path, name, err, log)
			}
		}
	}
	return nil
}

func (r *Registry) loadFile(name, path string, defaultKind Kind, log *logrus.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	source := string(data)

	meta, err := resolveMeta(name, path, source, defaultKind)
	if err != nil {
		return err
	}

	r.Load(name, source)
	r.SetMeta(name, meta)
	log.WithFields(logrus.Fields{"name": name, "kind": meta.Kind.String(), "path": path}).Debug("registry: loaded script")
	return nil
}

// resolveMeta implements the §4.2 metadata lookup order.
func resolveMeta(name, path, source string, defaultKind Kind) (Meta, error) {
	// (1) sidecar <name>.meta.json
	sidecarPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".meta.json"
	if data, err := os.ReadFile(sidecarPath); err == nil {
		return metaFromSidecarJSON(data)
	}

	// (2) top-of-file block-comment JSON: a leading "--[[ ... ]]" comment
	// whose body parses as JSON.
	if blk, ok := extractBlockComment(source); ok {
		var sc metaSidecar
		if err := json.Unmarshal([]byte(blk), &sc); err == nil {
			return metaFromSidecarJSON([]byte(blk))
		}
	}

	// (3) calling a convention-named metadata function `<name>__meta()`.
	if m, ok, err := metaFromConventionFunc(name, source); err != nil {
		return Meta{}, err
	} else if ok {
		return m, nil
	}

	// (4) default metadata.
	return Meta{Kind: defaultKind}, nil
}

func metaFromSidecarJSON(data []byte) (Meta, error) {
	var sc metaSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Meta{}, fmt.Errorf("registry: invalid metadata JSON: %w", err)
	}
	kind, err := kindFromString(sc.Kind)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Kind:       kind,
		Returns:    sc.Returns,
		Nullable:   sc.Nullable,
		TvfColumns: sc.TvfColumns,
	}, nil
}

// extractBlockComment returns the body of a leading Lua "--[[ ... ]]"
// comment block, if the source starts with one.
func extractBlockComment(source string) (string, bool) {
	trimmed := strings.TrimSpace(source)
	if !strings.HasPrefix(trimmed, "--[[") {
		return "", false
	}
	end := strings.Index(trimmed, "]]")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[4:end]), true
}

// metaFromConventionFunc evaluates `<name>__meta()` in a fresh, short-lived
// VM and decodes its returned table as metadata.
func metaFromConventionFunc(name, source string) (Meta, bool, error) {
	funcName := name + "__meta"
	if !strings.Contains(source, funcName) {
		return Meta{}, false, nil
	}

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(source); err != nil {
		return Meta{}, false, fmt.Errorf("registry: loading %s for metadata: %w", name, err)
	}
	fn := L.GetGlobal(funcName)
	if fn.Type() != lua.LTFunction {
		return Meta{}, false, nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return Meta{}, false, fmt.Errorf("registry: calling %s: %w", funcName, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Meta{}, false, fmt.Errorf("registry: %s must return a table", funcName)
	}

	meta := Meta{Kind: KindScalar}
	if kindStr, ok := tbl.RawGetString("kind").(lua.LString); ok {
		k, err := kindFromString(string(kindStr))
		if err != nil {
			return Meta{}, false, err
		}
		meta.Kind = k
	}
	if nullable, ok := tbl.RawGetString("nullable").(lua.LBool); ok {
		meta.Nullable = bool(nullable)
	}
	if retTbl, ok := tbl.RawGetString("returns").(*lua.LTable); ok {
		retTbl.ForEach(func(_, v lua.LValue) {
			meta.Returns = append(meta.Returns, v.String())
		})
	}
	return meta, true, nil
}

func logScriptLoadError(path, name string, err error, log *logrus.Logger) {
	log.WithFields(logrus.Fields{"name": name, "path": path}).WithError(err).Error("registry: failed to load script")

	errLogPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".error.log"
	line := fmt.Sprintf("[%s] stage=autoload function=%s error=%v\n", time.Now().UTC().Format(time.RFC3339), name, err)
	f, openErr := os.OpenFile(errLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		log.WithError(openErr).Warn("registry: could not write adjacent error log")
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}
