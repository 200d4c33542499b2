package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
)

// Definition is the YAML document accepted by ImportFile.
//
//	infrastructures:
//	  - name: grid
//	    enabled: true
//	    parameters:
//	      - {name: jobservice, value: "ssh://grid.example.org"}
//	      - {name: password, value: s3cret, secret: true}
//	applications:
//	  - name: hostname
//	    enabled: true
//	    groups: [users]
//	    parameters:
//	      - {name: jobdesc_executable, value: /bin/hostname}
//	    files:
//	      - {name: run.sh, path: ./run.sh, override: true}
//	    infrastructures:
//	      - ref: grid
type Definition struct {
	Infrastructures []InfraDefinition `yaml:"infrastructures"`
	Applications    []AppDefinition   `yaml:"applications"`
}

type AppDefinition struct {
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description"`
	Outcome         string            `yaml:"outcome"`
	Enabled         *bool             `yaml:"enabled"`
	Groups          []string          `yaml:"groups"`
	Parameters      []ParamDefinition `yaml:"parameters"`
	Files           []FileDefinition  `yaml:"files"`
	Infrastructures []InfraDefinition `yaml:"infrastructures"`
}

type ParamDefinition struct {
	Name        string `yaml:"name"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
	Secret      bool   `yaml:"secret"`
}

type FileDefinition struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Override bool   `yaml:"override"`
}

// InfraDefinition is either inline (name, parameters...) or a reference:
// id names a stored infrastructure, ref names one defined earlier in the
// same document.
type InfraDefinition struct {
	ID          int64             `yaml:"id"`
	Ref         string            `yaml:"ref"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Enabled     *bool             `yaml:"enabled"`
	Virtual     bool              `yaml:"virtual"`
	Parameters  []ParamDefinition `yaml:"parameters"`
}

// ImportResult lists the ids created by an import.
type ImportResult struct {
	Infrastructures []int64
	Applications    []int64
}

// ParseDefinition decodes a definition document, rejecting unknown keys.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(def.Applications) == 0 && len(def.Infrastructures) == 0 {
		return Definition{}, fmt.Errorf("%w: no applications or infrastructures", ErrInvalidDefinition)
	}
	return def, nil
}

// ImportFile reads a definition (decrypting .age files) and creates what it
// declares. Relative file paths resolve against the definition's directory
// and declared files are copied into the application's file directory.
func (c *Catalog) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	data, err := c.vault.ReadFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%s: %w", path, err)
	}
	return c.Import(ctx, def, filepath.Dir(path))
}

// Import creates the infrastructures and then the applications of def.
// Objects created before a failure are kept and reported.
func (c *Catalog) Import(ctx context.Context, def Definition, baseDir string) (ImportResult, error) {
	var result ImportResult
	named := make(map[string]int64, len(def.Infrastructures))
	for i, infraDef := range def.Infrastructures {
		inline, err := infraDef.inline()
		if err != nil {
			return result, fmt.Errorf("infrastructure %d: %w", i, err)
		}
		infra, err := c.CreateInfrastructure(ctx, inline)
		if err != nil {
			return result, fmt.Errorf("infrastructure %s: %w", inline.Name, err)
		}
		named[inline.Name] = infra.ID
		result.Infrastructures = append(result.Infrastructures, infra.ID)
	}
	for _, appDef := range def.Applications {
		id, err := c.importApplication(ctx, appDef, named, baseDir)
		if err != nil {
			return result, fmt.Errorf("application %s: %w", appDef.Name, err)
		}
		result.Applications = append(result.Applications, id)
	}
	c.logger.Info("definitions imported",
		zap.Int("applications", len(result.Applications)),
		zap.Int("infrastructures", len(result.Infrastructures)))
	return result, nil
}

func (c *Catalog) importApplication(ctx context.Context, def AppDefinition, named map[string]int64, baseDir string) (int64, error) {
	req := models.ApplicationCreate{
		Name:        def.Name,
		Description: def.Description,
		Outcome:     def.Outcome,
		Enabled:     def.Enabled == nil || *def.Enabled,
	}
	for _, p := range def.Parameters {
		req.Parameters = append(req.Parameters, models.Parameter{Name: p.Name, Value: p.Value, Description: p.Description})
	}
	sources := make(map[string]string, len(def.Files))
	for _, f := range def.Files {
		req.Files = append(req.Files, models.AppFile{Name: f.Name, Override: f.Override})
		if strings.TrimSpace(f.Path) != "" {
			src := f.Path
			if !filepath.IsAbs(src) {
				src = filepath.Join(baseDir, src)
			}
			sources[f.Name] = src
		}
	}
	for i, infraDef := range def.Infrastructures {
		spec, err := infraDef.spec(named)
		if err != nil {
			return 0, fmt.Errorf("infrastructure %d: %w", i, err)
		}
		req.Infrastructures = append(req.Infrastructures, spec)
	}

	app, err := c.CreateApplication(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(sources) > 0 {
		dir, err := c.appFiles.Subdir(strconv.FormatInt(app.ID, 10))
		if err != nil {
			return app.ID, err
		}
		for name, src := range sources {
			copied, err := sandbox.CopyFile(dir, name, src)
			if err != nil {
				return app.ID, err
			}
			if err := c.store.SetApplicationFilePath(ctx, app.ID, name, copied); err != nil {
				return app.ID, err
			}
		}
	}
	for _, groupName := range def.Groups {
		group, err := c.store.GetGroupByName(ctx, groupName)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return app.ID, fmt.Errorf("%w: unknown group %s", ErrInvalidDefinition, groupName)
			}
			return app.ID, err
		}
		if err := c.store.GrantGroupApps(ctx, group.ID, []int64{app.ID}); err != nil {
			return app.ID, err
		}
	}
	return app.ID, nil
}

func (d InfraDefinition) isReference() bool {
	return d.ID > 0 || strings.TrimSpace(d.Ref) != ""
}

func (d InfraDefinition) inline() (models.NewInfrastructure, error) {
	if d.isReference() {
		return models.NewInfrastructure{}, fmt.Errorf("%w: top-level infrastructures must be inline", ErrInvalidDefinition)
	}
	def := models.NewInfrastructure{
		Name:        d.Name,
		Description: d.Description,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Virtual:     d.Virtual,
	}
	for _, p := range d.Parameters {
		def.Parameters = append(def.Parameters, models.InfraParameter(p))
	}
	return def, nil
}

func (d InfraDefinition) spec(named map[string]int64) (models.InfraSpec, error) {
	switch {
	case d.ID > 0:
		return models.ExistingInfrastructure{ID: d.ID}, nil
	case strings.TrimSpace(d.Ref) != "":
		id, ok := named[d.Ref]
		if !ok {
			return nil, fmt.Errorf("%w: unknown infrastructure ref %q", ErrInvalidDefinition, d.Ref)
		}
		return models.ExistingInfrastructure{ID: id}, nil
	default:
		return d.inline()
	}
}
