package repository

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"gorm.io/gorm"
)

var ErrServicePatternNotFound = errors.New("服务规则不存在")

// ServicePatternRepository 服务白名单访问
type ServicePatternRepository interface {
	Create(ctx context.Context, pattern *model.ServicePattern) error
	GetByID(ctx context.Context, id string) (*model.ServicePattern, error)
	Update(ctx context.Context, pattern *model.ServicePattern) error
	Delete(ctx context.Context, id string) error
	ListEnabled(ctx context.Context) ([]*model.ServicePattern, error)
	// FindMatching 按 Position 顺序返回第一条匹配规则
	FindMatching(ctx context.Context, serviceURL string) (*model.ServicePattern, error)
}

type servicePatternRepository struct {
	db *gorm.DB
}

// NewServicePatternRepository 创建服务规则仓库
func NewServicePatternRepository(db *gorm.DB) ServicePatternRepository {
	return &servicePatternRepository{db: db}
}

func (r *servicePatternRepository) Create(ctx context.Context, pattern *model.ServicePattern) error {
	return r.db.WithContext(ctx).Create(pattern).Error
}

func (r *servicePatternRepository) GetByID(ctx context.Context, id string) (*model.ServicePattern, error) {
	var pattern model.ServicePattern
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pattern).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServicePatternNotFound
		}
		return nil, err
	}
	return &pattern, nil
}

func (r *servicePatternRepository) Update(ctx context.Context, pattern *model.ServicePattern) error {
	result := r.db.WithContext(ctx).Save(pattern)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServicePatternNotFound
	}
	return nil
}

func (r *servicePatternRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.ServicePattern{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServicePatternNotFound
	}
	return nil
}

func (r *servicePatternRepository) ListEnabled(ctx context.Context) ([]*model.ServicePattern, error) {
	var patterns []*model.ServicePattern
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("position ASC").
		Find(&patterns).Error
	return patterns, err
}

func (r *servicePatternRepository) FindMatching(ctx context.Context, serviceURL string) (*model.ServicePattern, error) {
	patterns, err := r.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if p.Matches(serviceURL) {
			return p, nil
		}
	}
	return nil, ErrServicePatternNotFound
}
