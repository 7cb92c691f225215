package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ramqval.facturis.org/models"
)

// Reference-entity CRUD. Mutation callers are responsible for invalidating the
// matching cache key (see the cache package); the store itself stays
// cache-agnostic so degraded cache paths can call it directly.

// ListCodes returns all billing codes.
func (s *Store) ListCodes(ctx context.Context) ([]models.Code, error) {
	var codes []models.Code
	err := s.db.WithContext(ctx).Order("code ASC").Find(&codes).Error
	return codes, err
}

// GetCodeByCode looks a code up by its billing number.
func (s *Store) GetCodeByCode(ctx context.Context, code string) (*models.Code, error) {
	var c models.Code
	err := s.db.WithContext(ctx).First(&c, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCode inserts a billing code.
func (s *Store) CreateCode(ctx context.Context, c *models.Code) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// UpdateCode saves a billing code.
func (s *Store) UpdateCode(ctx context.Context, c *models.Code) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// DeleteCode removes a billing code by id.
func (s *Store) DeleteCode(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Code{}, "id = ?", id).Error
}

// ListContexts returns all service contexts.
func (s *Store) ListContexts(ctx context.Context) ([]models.ServiceContext, error) {
	var contexts []models.ServiceContext
	err := s.db.WithContext(ctx).Order("tag ASC").Find(&contexts).Error
	return contexts, err
}

// CreateContext inserts a service context.
func (s *Store) CreateContext(ctx context.Context, c *models.ServiceContext) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// UpdateContext saves a service context.
func (s *Store) UpdateContext(ctx context.Context, c *models.ServiceContext) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// DeleteContext removes a service context by id.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.ServiceContext{}, "id = ?", id).Error
}

// ListEstablishments returns all establishments.
func (s *Store) ListEstablishments(ctx context.Context) ([]models.Establishment, error) {
	var establishments []models.Establishment
	err := s.db.WithContext(ctx).Order("numero ASC").Find(&establishments).Error
	return establishments, err
}

// CreateEstablishment inserts an establishment.
func (s *Store) CreateEstablishment(ctx context.Context, e *models.Establishment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// UpdateEstablishment saves an establishment.
func (s *Store) UpdateEstablishment(ctx context.Context, e *models.Establishment) error {
	return s.db.WithContext(ctx).Save(e).Error
}

// DeleteEstablishment removes an establishment by id.
func (s *Store) DeleteEstablishment(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Establishment{}, "id = ?", id).Error
}

// ListRules returns all data-driven validation rules.
func (s *Store) ListRules(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.WithContext(ctx).Order("id ASC").Find(&rules).Error
	return rules, err
}

// CreateRule inserts a rule row.
func (s *Store) CreateRule(ctx context.Context, r *models.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

// UpdateRule saves a rule row.
func (s *Store) UpdateRule(ctx context.Context, r *models.Rule) error {
	return s.db.WithContext(ctx).Save(r).Error
}

// DeleteRule removes a rule row by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Rule{}, "id = ?", id).Error
}
