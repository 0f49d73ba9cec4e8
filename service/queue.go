package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"AdStudio-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateRun = "run:generate"
)

type RunPayload struct {
	RunID string `json:"run_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueRun 生成运行入队
func EnqueueRun(runID string) error {
	payload, err := json.Marshal(RunPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeGenerateRun, payload,
		asynq.MaxRetry(0),             // 失败的运行由用户决定是否重新发起，不自动重试
		asynq.Timeout(40*time.Minute), // 多个镜头串行生成，留足超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Run Enqueued: ID=%s, RunID=%s", info.ID, runID)
	return nil
}
