package service

import (
	"context"

	"AdStudio-server/models"
)

// AdPlan 计划适配器产出的结构化广告方案
type AdPlan struct {
	Title    string         `json:"title"`
	Concept  string         `json:"concept"`
	Mood     string         `json:"mood"`
	Script   string         `json:"script"`
	Dialogue []DialogueTurn `json:"dialogue,omitempty"`
	Scenes   []PlannedScene `json:"scenes"`
}

type DialogueTurn struct {
	Speaker string `json:"speaker"`
	Line    string `json:"line"`
}

// PlannedScene 方案中的单个镜头，创意拆解字段必须全部给出
type PlannedScene struct {
	DurationSec     int    `json:"duration_sec"`
	Character       string `json:"character"`
	Environment     string `json:"environment"`
	Camera          string `json:"camera"`
	Action          string `json:"action"`
	Summary         string `json:"summary"`
	OverlayText     string `json:"overlay_text,omitempty"`
	OverlayPosition string `json:"overlay_position,omitempty"`
	OverlaySize     string `json:"overlay_size,omitempty"`
}

type PlanRequest struct {
	Prompt         string
	Style          string
	AspectRatio    string
	ReferenceTexts []string
	ReferenceLinks []string
	// 用户提供的参考图原始字节，随提示词一并送给方案模型
	ReferenceImages [][]byte
}

type ImageRequest struct {
	Scene       models.Scene
	AspectRatio string
	// 可选的参考图/定妆图，解析失败时降级为无参考生成
	ReferenceImage []byte
}

type VideoRequest struct {
	Scene       models.Scene
	AspectRatio string
	// 分镜步骤产出的关键帧地址，为空表示直接走文生视频
	SourceImageUrl string
}

type VoiceRequest struct {
	// 产物按项目归档，避免多个运行写到同一个对象
	ProjectId string
	Script    string
	Voice     string
	Dialogue  []DialogueTurn
}

type MusicRequest struct {
	ProjectId   string
	Mood        string
	Style       string
	DurationSec int
}

// 五个生成能力各自一个接口，便于在测试中替换为桩实现。
// 除 Plan 外，提供方侧的失败一律收敛为带诊断的 AssetResult，不作为 error 返回；
// error 返回值留给调用上下文本身不合法一类的程序性错误。
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (*AdPlan, error)
}

type ImageGenerator interface {
	GenerateStoryboard(ctx context.Context, req ImageRequest) (*AssetResult, error)
}

type VideoGenerator interface {
	GenerateClip(ctx context.Context, req VideoRequest) (*AssetResult, error)
}

type VoiceGenerator interface {
	GenerateVoiceover(ctx context.Context, req VoiceRequest) (*AssetResult, error)
}

type MusicGenerator interface {
	GenerateScore(ctx context.Context, req MusicRequest) (*AssetResult, error)
}

// Adapters 编排器消费的全部外部能力
type Adapters struct {
	Plan  PlanGenerator
	Image ImageGenerator
	Video VideoGenerator
	Voice VoiceGenerator
	Music MusicGenerator
}

// MediaStore 媒体上传桥：把生成的二进制落到对象存储并换回可访问 URL
type MediaStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}
