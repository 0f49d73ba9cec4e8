package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AdStudio-server/models"

	"github.com/google/uuid"
)

// ErrRunCancelled 协作式取消的专用信号，和普通失败区分开：
// 调用方据此把运行标成 cancelled 而不是 failed
var ErrRunCancelled = errors.New("generation run cancelled")

// PipelineLogEntry 带阶段标记的只追加事件，仅用于可观测，编排器自身从不回读
type PipelineLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	SceneId   string    `json:"sceneId,omitempty"`
	Message   string    `json:"message"`
}

// PipelineIssue 向用户透出的问题。Recoverable=true 表示流水线已越过它继续推进；
// 目前只有方案生成失败是不可恢复的，其余全部降级处理。
type PipelineIssue struct {
	Phase       string           `json:"phase"`
	SceneId     string           `json:"sceneId,omitempty"`
	Message     string           `json:"message"`
	Recoverable bool             `json:"recoverable"`
	Error       *SerializedError `json:"error,omitempty"`
}

// PipelineObserver 展示桥：三个回调都是旁观者，推过去的是独立副本，
// 编排器不等待也不消费任何返回值
type PipelineObserver struct {
	OnProjectInitialized func(project models.Project, scenes []models.Scene)
	OnProjectUpdate      func(project models.Project, scenes []models.Scene)
	OnLog                func(entry PipelineLogEntry)
}

type RunInput struct {
	Prompt          string
	Style           string
	AspectRatio     string
	Voice           string
	ReferenceTexts  []string
	ReferenceLinks  []string
	ReferenceImages [][]byte
}

// RunResult 一次完整运行的产出
type RunResult struct {
	Plan         *AdPlan
	Project      models.Project
	Scenes       []models.Scene
	VoiceoverUrl string
	MusicUrl     string
	Logs         []PipelineLogEntry
	Issues       []PipelineIssue
}

// Pipeline 驱动 planning -> storyboarding -> video_production -> voiceover ->
// scoring -> ready 的状态机。阶段只向前，镜头循环严格串行，
// 除方案生成外的一切失败都降级成 Issue，运行必然以 ready 收场。
type Pipeline struct {
	adapters  Adapters
	observer  PipelineObserver
	cancelled func() bool

	project *models.Project
	scenes  []models.Scene
	// 首张参考图作为各镜头分镜生成的定妆锚点
	refImage []byte
	logs     []PipelineLogEntry
	issues   []PipelineIssue
}

// NewPipeline cancelled 为协作式取消判定，每个阶段开始前与每个镜头调用前检查一次；
// 传 nil 表示不可取消
func NewPipeline(adapters Adapters, observer PipelineObserver, cancelled func() bool) *Pipeline {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Pipeline{adapters: adapters, observer: observer, cancelled: cancelled}
}

func (p *Pipeline) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	if err := p.checkCancelled(); err != nil {
		return nil, err
	}

	if len(input.ReferenceImages) > 0 {
		p.refImage = input.ReferenceImages[0]
	}

	// 方案阶段：唯一允许中止整个运行的阶段
	plan, err := p.adapters.Plan.GeneratePlan(ctx, PlanRequest{
		Prompt:          input.Prompt,
		Style:           input.Style,
		AspectRatio:     input.AspectRatio,
		ReferenceTexts:  input.ReferenceTexts,
		ReferenceLinks:  input.ReferenceLinks,
		ReferenceImages: input.ReferenceImages,
	})
	if err != nil {
		p.logf(StagePlan, "", "方案生成失败: %v", err)
		return nil, err
	}

	p.initProject(plan, input)

	if err := p.runStoryboarding(ctx); err != nil {
		return nil, err
	}
	if err := p.runVideoProduction(ctx); err != nil {
		return nil, err
	}
	if err := p.runVoiceover(ctx, plan, input.Voice); err != nil {
		return nil, err
	}
	if err := p.runScoring(ctx, plan); err != nil {
		return nil, err
	}
	return p.finalize(plan)
}

// initProject 方案落地为内存中的项目与镜头，镜头全部 pending
func (p *Pipeline) initProject(plan *AdPlan, input RunInput) {
	p.project = &models.Project{
		ID:           uuid.NewString(),
		Title:        plan.Title,
		Concept:      plan.Concept,
		Mood:         plan.Mood,
		Script:       plan.Script,
		Style:        input.Style,
		AspectRatio:  input.AspectRatio,
		CurrentPhase: models.PhaseStoryboarding,
		IsGenerating: true,
	}
	p.scenes = make([]models.Scene, 0, len(plan.Scenes))
	for i, ps := range plan.Scenes {
		p.scenes = append(p.scenes, models.Scene{
			ID:              uuid.NewString(),
			ProjectId:       p.project.ID,
			Order:           i + 1,
			DurationSec:     ps.DurationSec,
			Character:       ps.Character,
			Environment:     ps.Environment,
			Camera:          ps.Camera,
			Action:          ps.Action,
			Summary:         ps.Summary,
			OverlayText:     ps.OverlayText,
			OverlayPosition: ps.OverlayPosition,
			OverlaySize:     ps.OverlaySize,
			Status:          models.SceneStatusPending,
		})
	}
	p.logf(StagePlan, "", "方案已生成: %q, %d 个镜头", plan.Title, len(p.scenes))
	if p.observer.OnProjectInitialized != nil {
		project, scenes := p.snapshot()
		p.observer.OnProjectInitialized(project, scenes)
	}
}

func (p *Pipeline) runStoryboarding(ctx context.Context) error {
	if err := p.checkCancelled(); err != nil {
		return err
	}
	p.logf(StageStoryboard, "", "开始生成分镜图")

	for i := range p.scenes {
		if err := p.checkCancelled(); err != nil {
			return err
		}
		scene := &p.scenes[i]
		res, err := callAdapter(func() (*AssetResult, error) {
			return p.adapters.Image.GenerateStoryboard(ctx, ImageRequest{
				Scene:          *scene,
				AspectRatio:    p.project.AspectRatio,
				ReferenceImage: p.refImage,
			})
		})
		normalized := NormalizeAssetResult(res)
		p.consumeDiagnostics(normalized, StageStoryboard, scene.ID)

		if err != nil {
			p.recordIssue(StageStoryboard, scene.ID, "Storyboard image could not be generated", nil, err)
		} else if normalized.Url != "" {
			scene.StoryboardUrl = normalized.Url
		} else {
			// 分镜图缺失不改镜头状态，视频阶段仍会尝试该镜头
			p.recordIssue(StageStoryboard, scene.ID, "Storyboard image could not be generated", normalized.Diagnostics, nil)
		}
		p.broadcast()
	}
	return nil
}

func (p *Pipeline) runVideoProduction(ctx context.Context) error {
	if err := p.checkCancelled(); err != nil {
		return err
	}
	p.setPhase(models.PhaseVideoProduction)

	for i := range p.scenes {
		if err := p.checkCancelled(); err != nil {
			return err
		}
		scene := &p.scenes[i]
		scene.Status = models.SceneStatusGenerating
		p.broadcast()

		res, err := callAdapter(func() (*AssetResult, error) {
			return p.adapters.Video.GenerateClip(ctx, VideoRequest{
				Scene:          *scene,
				AspectRatio:    p.project.AspectRatio,
				SourceImageUrl: scene.StoryboardUrl,
			})
		})
		normalized := NormalizeAssetResult(res)
		p.consumeDiagnostics(normalized, StageVideo, scene.ID)

		if err == nil && normalized.Url != "" {
			scene.Status = models.SceneStatusComplete
			scene.VideoUrl = normalized.Url
		} else {
			// 单个镜头失败不阻塞后续镜头
			scene.Status = models.SceneStatusFailed
			if err != nil {
				p.recordIssue(StageVideo, scene.ID, "Video clip could not be generated", nil, err)
			} else {
				p.recordIssue(StageVideo, scene.ID, "Video clip could not be generated", normalized.Diagnostics, nil)
			}
		}
		p.broadcast()
	}
	return nil
}

func (p *Pipeline) runVoiceover(ctx context.Context, plan *AdPlan, voice string) error {
	if err := p.checkCancelled(); err != nil {
		return err
	}
	p.setPhase(models.PhaseVoiceover)

	res, err := callAdapter(func() (*AssetResult, error) {
		return p.adapters.Voice.GenerateVoiceover(ctx, VoiceRequest{
			ProjectId: p.project.ID,
			Script:    plan.Script,
			Voice:     voice,
			Dialogue:  plan.Dialogue,
		})
	})
	normalized := NormalizeAssetResult(res)
	p.consumeDiagnostics(normalized, StageVoiceover, "")

	if err != nil {
		p.recordIssue(StageVoiceover, "", "Voiceover could not be generated", nil, err)
	} else if normalized.Url != "" {
		p.project.VoiceoverUrl = normalized.Url
	} else {
		p.recordIssue(StageVoiceover, "", "Voiceover could not be generated", normalized.Diagnostics, nil)
	}
	p.broadcast()
	return nil
}

func (p *Pipeline) runScoring(ctx context.Context, plan *AdPlan) error {
	if err := p.checkCancelled(); err != nil {
		return err
	}
	p.setPhase(models.PhaseScoring)

	totalSec := 0
	for _, s := range p.scenes {
		totalSec += s.DurationSec
	}

	res, err := callAdapter(func() (*AssetResult, error) {
		return p.adapters.Music.GenerateScore(ctx, MusicRequest{
			ProjectId:   p.project.ID,
			Mood:        plan.Mood,
			Style:       p.project.Style,
			DurationSec: totalSec,
		})
	})
	normalized := NormalizeAssetResult(res)
	p.consumeDiagnostics(normalized, StageScoring, "")

	switch {
	case err != nil:
		p.recordIssue(StageScoring, "", "Background music could not be generated", nil, err)
	case normalized.Url == "":
		p.recordIssue(StageScoring, "", "Background music could not be generated", normalized.Diagnostics, nil)
	default:
		p.project.MusicUrl = normalized.Url
		if normalized.FallbackUsed {
			// 有可用曲目但不是真实生成的，单独透出告知
			p.recordIssue(StageScoring, "", "Music generation used a fallback stock track", normalized.Diagnostics, nil)
		}
	}
	p.broadcast()
	return nil
}

// finalize 无条件收尾：不管积累了多少可恢复问题，项目一定到 ready
func (p *Pipeline) finalize(plan *AdPlan) (*RunResult, error) {
	if p.project == nil {
		// 按阶段顺序不可能走到，防御性检查
		return nil, fmt.Errorf("pipeline finalized without an initialized project")
	}
	p.project.CurrentPhase = models.PhaseReady
	p.project.IsGenerating = false
	p.logf(StageReady, "", "生成完成: %d 个问题", len(p.issues))
	p.broadcast()

	project, scenes := p.snapshot()
	return &RunResult{
		Plan:         plan,
		Project:      project,
		Scenes:       scenes,
		VoiceoverUrl: project.VoiceoverUrl,
		MusicUrl:     project.MusicUrl,
		Logs:         append([]PipelineLogEntry(nil), p.logs...),
		Issues:       append([]PipelineIssue(nil), p.issues...),
	}, nil
}

func (p *Pipeline) checkCancelled() error {
	if p.cancelled() {
		return ErrRunCancelled
	}
	return nil
}

// callAdapter 把适配器的 panic 收敛成 error，编排器不允许镜头级异常逃逸
func callAdapter(fn func() (*AssetResult, error)) (res *AssetResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return fn()
}

// setPhase 阶段只向前推进
func (p *Pipeline) setPhase(phase string) {
	if models.PhaseRank(phase) < models.PhaseRank(p.project.CurrentPhase) {
		return
	}
	p.project.CurrentPhase = phase
	p.logf(phase, "", "进入阶段 %s", phase)
	p.broadcast()
}

// consumeDiagnostics 适配器的每条诊断都转成日志（code 前缀便于追踪）
func (p *Pipeline) consumeDiagnostics(res AssetResult, phase, sceneID string) {
	for _, d := range res.Diagnostics {
		id := sceneID
		if id == "" && d.Context != nil {
			id = d.Context["scene_id"]
		}
		p.logf(phase, id, "[%s] %s", d.Code, d.Message)
	}
}

// recordIssue 记录一条可恢复问题。消息组成为“阶段通用说明. 主诊断消息”
func (p *Pipeline) recordIssue(phase, sceneID, generic string, diags []ProviderDiagnostic, err error) {
	issue := PipelineIssue{Phase: phase, SceneId: sceneID, Message: generic, Recoverable: true}
	if err != nil {
		issue.Error = SerializeError(err)
		issue.Message = fmt.Sprintf("%s. %s", generic, err.Error())
	} else if primary := SelectPrimaryDiagnostic(diags); primary != nil {
		issue.Error = primary.Error
		issue.Message = fmt.Sprintf("%s. %s", generic, primary.Message)
	}
	p.issues = append(p.issues, issue)
	p.logf(phase, sceneID, "issue: %s", issue.Message)
}

func (p *Pipeline) logf(phase, sceneID, format string, args ...interface{}) {
	entry := PipelineLogEntry{
		Timestamp: time.Now(),
		Phase:     phase,
		SceneId:   sceneID,
		Message:   fmt.Sprintf(format, args...),
	}
	p.logs = append(p.logs, entry)
	if p.observer.OnLog != nil {
		p.observer.OnLog(entry)
	}
}

// snapshot 返回项目与镜头的独立副本，观察者拿到的永远是不可变快照
func (p *Pipeline) snapshot() (models.Project, []models.Scene) {
	project := *p.project
	scenes := append([]models.Scene(nil), p.scenes...)
	return project, scenes
}

func (p *Pipeline) broadcast() {
	if p.observer.OnProjectUpdate == nil {
		return
	}
	project, scenes := p.snapshot()
	p.observer.OnProjectUpdate(project, scenes)
}
