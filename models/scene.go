package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SceneStatusPending    = "pending"
	SceneStatusGenerating = "generating"
	SceneStatusComplete   = "complete"
	SceneStatusFailed     = "failed"
)

// Scene 广告的一个镜头，归属且仅归属于一个项目
type Scene struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string `json:"projectId"`
	Order     int    `json:"order"`
	// 时长只取 5 或 8 秒两档
	DurationSec int `json:"durationSec"`

	// 创意拆解字段，直接作为生成提示词
	Character   string `gorm:"type:text" json:"character"`
	Environment string `gorm:"type:text" json:"environment"`
	Camera      string `gorm:"type:text" json:"camera"`
	Action      string `gorm:"type:text" json:"action"`
	// 叙事概要，作为文生视频的兜底提示词
	Summary string `gorm:"type:text" json:"summary"`

	OverlayText     string `json:"overlayText"`
	OverlayPosition string `json:"overlayPosition"`
	OverlaySize     string `json:"overlaySize"`

	Status        string    `json:"status"`
	StoryboardUrl string    `json:"storyboardUrl"`
	VideoUrl      string    `json:"videoUrl"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func GetScenesByProjectID(db *gorm.DB, projectID string) ([]Scene, error) {
	var scenes []Scene
	if err := db.Where("project_id = ?", projectID).Order("`order` ASC").Find(&scenes).Error; err != nil {
		return nil, err
	}
	return scenes, nil
}

func (Scene) TableName() string {
	return "scene"
}
