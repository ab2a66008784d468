package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("sample generation run not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{})
}

func (r *Repository) Create(ctx context.Context, run *RunModel) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Finish records the outcome of a run.
func (r *Repository) Finish(ctx context.Context, runID uuid.UUID, status string, patients, samples int, reloaded bool, errorMessage string, completedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":        status,
		"patients":      patients,
		"samples":       samples,
		"reloaded":      reloaded,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(updates).Error
}

func (r *Repository) Get(ctx context.Context, runID uuid.UUID) (*RunModel, error) {
	var run RunModel
	result := r.db.WithContext(ctx).First(&run, "id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	return &run, result.Error
}

// List returns the newest runs first, optionally restricted to one dataset.
func (r *Repository) List(ctx context.Context, dataset string, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if dataset != "" {
		q = q.Where("dataset = ?", dataset)
	}
	var out []RunModel
	result := q.Find(&out)
	return out, result.Error
}

// Tracker records pipeline runs in the repository.
type Tracker struct {
	repo *Repository
}

func NewTracker(repo *Repository) *Tracker {
	return &Tracker{repo: repo}
}

func (t *Tracker) Start(ctx context.Context, run *models.SampleRun) error {
	return t.repo.Create(ctx, FromSampleRun(run))
}

func (t *Tracker) Finish(ctx context.Context, run *models.SampleRun) error {
	return t.repo.Finish(ctx, run.ID, run.Status, run.Patients, run.Samples, run.Reloaded, run.ErrorMessage, run.CompletedAt)
}
