package auth

import (
	"context"
	"errors"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateUser(ctx context.Context, user *types.User) error {
	if err := d.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.ErrUserConflict
		}
		return err
	}
	return nil
}

func (d *Database) GetUser(ctx context.Context, id int64) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (d *Database) GetUserByBankID(ctx context.Context, bankID string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("bank_id = ?", bankID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
