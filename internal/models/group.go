package models

// Group 代表一个聊天群组。群组成员关系由对应会话 (Type=group, TargetID=Group.ID) 的参与者表示。
type Group struct {
	BaseModel
	Name        string `gorm:"type:varchar(100);not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	PhotoURL    string `gorm:"type:varchar(255)" json:"photoUrl,omitempty"`
	OwnerID     uint   `gorm:"not null" json:"ownerId"`
}

// TableName 指定 Group 模型的表名。
func (Group) TableName() string {
	return "groups"
}
