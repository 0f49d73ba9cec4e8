package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"AdStudio-server/config"
	"AdStudio-server/models"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// 运行取消注册表（runID -> cancelFunc），API 层通过 CancelRun 触发协作式取消
var runCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func RegisterRunCancel(runID string, cancel context.CancelFunc) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	runCancelRegistry.m[runID] = cancel
}

func UnregisterRunCancel(runID string) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	delete(runCancelRegistry.m, runID)
}

// CancelRun 外部调用以取消正在执行的运行，返回是否实际找到并取消
func CancelRun(runID string) bool {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	if cancel, ok := runCancelRegistry.m[runID]; ok {
		cancel()
		delete(runCancelRegistry.m, runID)
		return true
	}
	return false
}

// Processor 消费生成运行并驱动流水线
type Processor struct {
	DB       *gorm.DB
	Store    MediaStore
	Adapters Adapters
}

func NewProcessor(db *gorm.DB, store MediaStore) *Processor {
	return &Processor{
		DB:    db,
		Store: store,
		Adapters: Adapters{
			Plan:  NewGeminiPlanner(),
			Image: NewImagenClient(store),
			Video: NewVeoClient(store),
			Voice: NewGeminiTTSClient(store),
			Music: NewLyriaClient(store),
		},
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateRun, p.HandleGenerateRun)

	log.Printf("Starting Run Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandleGenerateRun 核心处理逻辑：取运行记录，驱动流水线，按结局落库
func (p *Processor) HandleGenerateRun(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	run, err := models.GetRunByID(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v", err)
	}

	log.Printf("Processing Run: %s | Project: %s", run.ID, run.ProjectId)
	if err := run.UpdateStatus(p.DB, models.RunStatusProcessing, ""); err != nil {
		log.Printf("UpdateStatus processing failed: %v", err)
	}

	// 为运行创建可取消的子上下文并注册 cancel（外部 API 可通过 CancelRun 取消）
	runCtx, cancel := context.WithCancel(ctx)
	RegisterRunCancel(run.ID, cancel)
	defer UnregisterRunCancel(run.ID)

	pipe := NewPipeline(p.Adapters, p.buildObserver(run), func() bool {
		return runCtx.Err() != nil
	})

	// 参考图入库时是 base64，坏图跳过不阻塞运行
	var refImages [][]byte
	for i, enc := range run.Parameters.ReferenceImages {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			log.Printf("参考图 %d 解码失败（跳过）: %v", i, err)
			continue
		}
		refImages = append(refImages, raw)
	}

	result, err := pipe.Run(runCtx, RunInput{
		Prompt:          run.Parameters.Prompt,
		Style:           run.Parameters.Style,
		AspectRatio:     run.Parameters.AspectRatio,
		Voice:           run.Parameters.Voice,
		ReferenceTexts:  run.Parameters.ReferenceTexts,
		ReferenceLinks:  run.Parameters.ReferenceLinks,
		ReferenceImages: refImages,
	})
	if errors.Is(err, ErrRunCancelled) {
		log.Printf("Run %s cancelled", run.ID)
		run.UpdateStatus(p.DB, models.RunStatusCancelled, "")
		return nil
	}
	if err != nil {
		// 只有方案生成失败会走到这里，整个运行作废
		log.Printf("Run %s failed: %v", run.ID, err)
		run.UpdateStatus(p.DB, models.RunStatusFailed, err.Error())
		return nil
	}

	p.persistSnapshot(run.ProjectId, result.Project, result.Scenes)
	issues := make(models.RunIssueList, 0, len(result.Issues))
	for _, issue := range result.Issues {
		issues = append(issues, models.RunIssue{
			Phase:       issue.Phase,
			SceneId:     issue.SceneId,
			Message:     issue.Message,
			Recoverable: issue.Recoverable,
		})
	}
	if err := run.SaveIssues(p.DB, issues); err != nil {
		log.Printf("保存运行问题失败: %v", err)
	}
	run.UpdateStatus(p.DB, models.RunStatusSuccess, "")
	log.Printf("Run %s completed: %d scenes, %d issues", run.ID, len(result.Scenes), len(result.Issues))
	return nil
}

// buildObserver 把流水线回调接到持久化与进度记录上。
// 回调只读快照，持久化失败只记日志，绝不影响阶段推进。
func (p *Processor) buildObserver(run *models.GenerationRun) PipelineObserver {
	return PipelineObserver{
		OnProjectInitialized: func(project models.Project, scenes []models.Scene) {
			p.persistSnapshot(run.ProjectId, project, scenes)
			if err := run.UpdateProgress(p.DB, project.CurrentPhase, "方案已生成，开始制作"); err != nil {
				log.Printf("写入运行进度失败: %v", err)
			}
		},
		OnProjectUpdate: func(project models.Project, scenes []models.Scene) {
			p.persistSnapshot(run.ProjectId, project, scenes)
			if err := run.UpdateProgress(p.DB, project.CurrentPhase, ""); err != nil {
				log.Printf("写入运行进度失败: %v", err)
			}
		},
		OnLog: func(entry PipelineLogEntry) {
			if entry.SceneId != "" {
				log.Printf("[Pipeline][%s][scene %s] %s", entry.Phase, entry.SceneId, entry.Message)
				return
			}
			log.Printf("[Pipeline][%s] %s", entry.Phase, entry.Message)
		},
	}
}

// persistSnapshot 把内存快照写到持久化的项目 ID 下。
// 流水线内的项目 ID 是运行期临时的，落库时换成 run 绑定的持久 ID。
func (p *Processor) persistSnapshot(persistedID string, project models.Project, scenes []models.Scene) {
	project.ID = persistedID
	for i := range scenes {
		scenes[i].ProjectId = persistedID
	}
	if err := models.SaveProjectSnapshot(p.DB, &project, scenes); err != nil {
		log.Printf("保存项目快照失败（忽略）: %v", err)
	}
}
