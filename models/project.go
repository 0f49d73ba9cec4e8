package models

import "time"

// 生成流水线阶段（只向前推进，mixing 预留给导出步骤）
const (
	PhasePlanning        = "planning"
	PhaseStoryboarding   = "storyboarding"
	PhaseVideoProduction = "video_production"
	PhaseVoiceover       = "voiceover"
	PhaseScoring         = "scoring"
	PhaseMixing          = "mixing"
	PhaseReady           = "ready"
)

// phaseOrder 定义阶段的全序，用于校验阶段只能前进
var phaseOrder = map[string]int{
	PhasePlanning:        0,
	PhaseStoryboarding:   1,
	PhaseVideoProduction: 2,
	PhaseVoiceover:       3,
	PhaseScoring:         4,
	PhaseMixing:          5,
	PhaseReady:           6,
}

// PhaseRank 返回阶段在全序中的位置，未知阶段返回 -1
func PhaseRank(phase string) int {
	if r, ok := phaseOrder[phase]; ok {
		return r
	}
	return -1
}

type Project struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title        string    `json:"title"`
	Concept      string    `json:"concept"`
	Mood         string    `json:"mood"`
	Script       string    `gorm:"type:text" json:"script"`
	Style        string    `json:"style"`
	AspectRatio  string    `json:"aspectRatio"`
	CurrentPhase string    `json:"currentPhase"`
	IsGenerating bool      `json:"isGenerating"`
	VoiceoverUrl string    `json:"voiceoverUrl"`
	MusicUrl     string    `json:"musicUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}
