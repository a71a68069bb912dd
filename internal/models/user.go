package models

import "im-sync/internal/imtypes"

// User 代表系统中的用户。账号注册与登录不在本服务内，这里只保存展示信息。
type User struct {
	BaseModel
	Username  string `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Nickname  string `gorm:"type:varchar(100)" json:"nickname,omitempty"`
	AvatarURL string `gorm:"type:varchar(255)" json:"avatarUrl,omitempty"`
}

// TableName 指定 User 模型的表名。
func (User) TableName() string {
	return "users"
}

// BasicInfo 返回对外展示的用户信息。
func (u *User) BasicInfo() *imtypes.UserBasicInfo {
	return &imtypes.UserBasicInfo{
		ID:        u.IDString(),
		Username:  u.Username,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
	}
}
