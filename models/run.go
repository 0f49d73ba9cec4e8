package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 生成运行状态（在系统中统一使用这些状态）
const (
	// pending: 运行已创建，等待执行器取走
	RunStatusPending = "pending"
	// processing: 流水线正在推进
	RunStatusProcessing = "processing"
	RunStatusSuccess    = "finished"
	RunStatusFailed     = "failed"
	// cancelled: 被用户主动停止，不算失败
	RunStatusCancelled = "cancelled"
)

// GenerationRun 一次完整的广告生成运行记录
type GenerationRun struct {
	ID         string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string        `json:"projectId"`
	Status     string        `json:"status"`
	Phase      string        `json:"phase"`
	Message    string        `json:"message"`
	Parameters RunParameters `gorm:"type:json" json:"parameters"`
	Issues     RunIssueList  `gorm:"type:json" json:"issues"`
	Error      string        `json:"error"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// RunParameters 发起运行时用户给出的输入
type RunParameters struct {
	Prompt         string   `json:"prompt"`
	Style          string   `json:"style"`
	AspectRatio    string   `json:"aspect_ratio"`
	Voice          string   `json:"voice"`
	ReferenceTexts []string `json:"reference_texts,omitempty"`
	ReferenceLinks []string `json:"reference_links,omitempty"`
	// 参考图以 base64 入库，执行时再解码
	ReferenceImages []string `json:"reference_images,omitempty"`
}

// RunIssue 运行过程中向用户透出的问题（可恢复的降级或致命失败）
type RunIssue struct {
	Phase       string `json:"phase"`
	SceneId     string `json:"scene_id,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type RunIssueList []RunIssue

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (p RunParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (p *RunParameters) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, p)
}

func (l RunIssueList) Value() (driver.Value, error) {
	if l == nil {
		l = RunIssueList{}
	}
	return json.Marshal(l)
}

func (l *RunIssueList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, l)
}

func (r *GenerationRun) UpdateStatus(db *gorm.DB, status string, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == RunStatusSuccess || status == RunStatusFailed || status == RunStatusCancelled {
		updates["finished_at"] = time.Now()
	}
	return db.Model(r).Updates(updates).Error
}

// UpdateProgress 写入当前阶段与进度消息，供进度推送接口读取
func (r *GenerationRun) UpdateProgress(db *gorm.DB, phase, message string) error {
	return db.Model(r).Updates(map[string]interface{}{
		"phase":      phase,
		"message":    message,
		"updated_at": time.Now(),
	}).Error
}

func (r *GenerationRun) SaveIssues(db *gorm.DB, issues RunIssueList) error {
	b, err := json.Marshal(issues)
	if err != nil {
		return err
	}
	return db.Model(r).Updates(map[string]interface{}{
		"issues":     b,
		"updated_at": time.Now(),
	}).Error
}

// GetLatestRunByProjectID 项目最近一次运行，没有则返回 gorm.ErrRecordNotFound
func GetLatestRunByProjectID(db *gorm.DB, projectID string) (*GenerationRun, error) {
	var run GenerationRun
	if err := db.Where("project_id = ?", projectID).Order("created_at DESC").First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func GetRunByID(db *gorm.DB, runID string) (*GenerationRun, error) {
	var run GenerationRun
	if err := db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (GenerationRun) TableName() string {
	return "generation_run"
}
