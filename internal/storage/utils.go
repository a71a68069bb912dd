package storage

import (
	"errors"

	"gorm.io/gorm"

	"im-sync/internal/models"
)

// StrToUint 将字符串 ID 转换为 uint。
func StrToUint(s string) (uint, error) {
	return models.ParseID(s)
}

// IsNotFound reports whether err is gorm's record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// pageOffset 把 1 开始的页码换算为偏移量。
func pageOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}
