package devices

import (
	"context"
	"errors"
	"strings"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
	"gorm.io/gorm"
)

// Store is the persistence the device service needs.
type Store interface {
	Create(ctx context.Context, reg models.DeviceRegistration) error
	Get(ctx context.Context, id string) (models.DeviceRegistration, error)
	List(ctx context.Context, limit int) ([]models.DeviceRegistration, error)
	Delete(ctx context.Context, id string) error
}

// Repository keeps device registrations in Postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&DeviceModel{})
}

func (r *Repository) Create(ctx context.Context, reg models.DeviceRegistration) error {
	model := fromRegistration(reg)
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "a device with address %s is already registered", reg.NetworkAddress)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "registering device")
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (models.DeviceRegistration, error) {
	var model DeviceModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.DeviceRegistration{}, apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	if result.Error != nil {
		return models.DeviceRegistration{}, apperr.Wrap(apperr.KindStore, result.Error, "loading device")
	}
	return model.toRegistration(), nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]models.DeviceRegistration, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []DeviceModel
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "listing devices")
	}
	out := make([]models.DeviceRegistration, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRegistration())
	}
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&DeviceModel{}, "id = ?", id)
	if result.Error != nil {
		return apperr.Wrap(apperr.KindStore, result.Error, "deleting device")
	}
	if result.RowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	return nil
}

// isUniqueViolation matches SQLSTATE 23505 when the dialector does not
// translate errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
