// Package catalog manages applications and infrastructures: creation with
// sealed credentials, default file uploads, deletion and redaction for API
// responses.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/metrics"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/secrets"
)

// RedactedValue replaces secret parameter values in API output.
const RedactedValue = "[REDACTED]"

var (
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrAppNotFound       = errors.New("application not found")
	ErrInfraNotFound     = errors.New("infrastructure not found")
	ErrUnknownFile       = errors.New("file not declared by application")
)

type Catalog struct {
	store    *db.Store
	vault    *secrets.Vault
	appFiles *sandbox.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Options configures a Catalog.
type Options struct {
	Vault   *secrets.Vault
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func New(store *db.Store, appFiles *sandbox.Manager, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, vault: opts.Vault, appFiles: appFiles, metrics: opts.Metrics, logger: logger}
}

// CreateApplication validates req, seals secret infrastructure parameters
// and stores the application. Existing infrastructure references are
// cloned into rows owned by the new application.
func (c *Catalog) CreateApplication(ctx context.Context, req models.ApplicationCreate) (models.Application, error) {
	if err := req.Validate(); err != nil {
		return models.Application{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	specs := make([]models.InfraSpec, 0, len(req.Infrastructures))
	for _, spec := range req.Infrastructures {
		if def, ok := spec.(models.NewInfrastructure); ok {
			sealed, err := c.sealParameters(def.Parameters)
			if err != nil {
				return models.Application{}, err
			}
			def.Parameters = sealed
			spec = def
		}
		specs = append(specs, spec)
	}
	req.Infrastructures = specs
	id, err := c.store.CreateApplication(ctx, req)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Application{}, fmt.Errorf("%w: %v", ErrInfraNotFound, err)
		}
		return models.Application{}, err
	}
	c.logger.Info("application created", zap.Int64("app_id", id), zap.String("name", req.Name))
	return c.GetApplication(ctx, id)
}

func (c *Catalog) GetApplication(ctx context.Context, id int64) (models.Application, error) {
	app, err := c.store.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Application{}, fmt.Errorf("%w: %d", ErrAppNotFound, id)
		}
		return models.Application{}, err
	}
	return app, nil
}

// ListApplications returns every application when userID is zero, or only
// those granted to the user's groups.
func (c *Catalog) ListApplications(ctx context.Context, userID int64) ([]models.Application, error) {
	return c.store.ListApplications(ctx, userID)
}

// DeleteApplication hard-deletes the application and everything it owns.
// Tasks referencing it are left alone.
func (c *Catalog) DeleteApplication(ctx context.Context, id int64) error {
	if err := c.store.DeleteApplication(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrAppNotFound, id)
		}
		return err
	}
	c.logger.Info("application deleted", zap.Int64("app_id", id))
	return nil
}

func (c *Catalog) SetApplicationEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := c.store.SetApplicationEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrAppNotFound, id)
		}
		return err
	}
	return nil
}

// UploadApplicationFile stores a declared default file under
// <app_files_dir>/<app_id>/ and records its path.
func (c *Catalog) UploadApplicationFile(ctx context.Context, appID int64, name string, body io.Reader) (sandbox.SavedFile, error) {
	app, err := c.GetApplication(ctx, appID)
	if err != nil {
		return sandbox.SavedFile{}, err
	}
	clean, err := sandbox.SanitizeName(name)
	if err != nil {
		return sandbox.SavedFile{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !declaresFile(app, clean) {
		return sandbox.SavedFile{}, fmt.Errorf("%w: %s", ErrUnknownFile, clean)
	}
	dir, err := c.appFiles.Subdir(strconv.FormatInt(appID, 10))
	if err != nil {
		return sandbox.SavedFile{}, err
	}
	saved, err := sandbox.Save(dir, clean, body, 0)
	if err != nil {
		return sandbox.SavedFile{}, err
	}
	if err := c.store.SetApplicationFilePath(ctx, appID, clean, saved.Path); err != nil {
		return sandbox.SavedFile{}, err
	}
	c.metrics.AddUploadBytes("application", saved.Size)
	return saved, nil
}

// CreateInfrastructure stores an unassigned infrastructure.
func (c *Catalog) CreateInfrastructure(ctx context.Context, def models.NewInfrastructure) (models.Infrastructure, error) {
	if err := def.Validate(); err != nil {
		return models.Infrastructure{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	sealed, err := c.sealParameters(def.Parameters)
	if err != nil {
		return models.Infrastructure{}, err
	}
	def.Parameters = sealed
	id, err := c.store.CreateInfrastructure(ctx, models.UnassignedAppID, def)
	if err != nil {
		return models.Infrastructure{}, err
	}
	c.logger.Info("infrastructure created", zap.Int64("infra_id", id), zap.String("name", def.Name))
	return c.GetInfrastructure(ctx, id)
}

func (c *Catalog) GetInfrastructure(ctx context.Context, id int64) (models.Infrastructure, error) {
	infra, err := c.store.GetInfrastructure(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Infrastructure{}, fmt.Errorf("%w: %d", ErrInfraNotFound, id)
		}
		return models.Infrastructure{}, err
	}
	return infra, nil
}

// ListInfrastructures returns infrastructures not owned by an application.
func (c *Catalog) ListInfrastructures(ctx context.Context) ([]models.Infrastructure, error) {
	return c.store.ListInfrastructures(ctx, models.UnassignedAppID)
}

func (c *Catalog) DeleteInfrastructure(ctx context.Context, id int64) error {
	if err := c.store.DeleteInfrastructure(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrInfraNotFound, id)
		}
		return err
	}
	return nil
}

func (c *Catalog) SetInfrastructureEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := c.store.SetInfrastructureEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrInfraNotFound, id)
		}
		return err
	}
	return nil
}

func (c *Catalog) sealParameters(params []models.InfraParameter) ([]models.InfraParameter, error) {
	out := make([]models.InfraParameter, len(params))
	for i, p := range params {
		if p.Secret {
			sealed, err := c.vault.Seal(p.Value)
			if err != nil {
				return nil, fmt.Errorf("seal parameter %s: %w", p.Name, err)
			}
			p.Value = sealed
		}
		out[i] = p
	}
	return out, nil
}

// RedactInfrastructure returns a copy with secret values replaced.
func RedactInfrastructure(infra models.Infrastructure) models.Infrastructure {
	params := make([]models.InfraParameter, len(infra.Parameters))
	for i, p := range infra.Parameters {
		if p.Secret {
			p.Value = RedactedValue
		}
		params[i] = p
	}
	infra.Parameters = params
	return infra
}

// RedactApplication redacts every infrastructure of app.
func RedactApplication(app models.Application) models.Application {
	infras := make([]models.Infrastructure, len(app.Infrastructures))
	for i, infra := range app.Infrastructures {
		infras[i] = RedactInfrastructure(infra)
	}
	app.Infrastructures = infras
	return app
}

func declaresFile(app models.Application, name string) bool {
	for _, f := range app.Files {
		if f.Name == name {
			return true
		}
	}
	return false
}
