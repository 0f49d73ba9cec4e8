package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	// AI 各生成服务的访问配置（统一走 Google 生成式接口）
	AI struct {
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		PlanModel  string `yaml:"plan_model"`
		ImageModel string `yaml:"image_model"`
		VideoModel string `yaml:"video_model"`
		TTSModel   string `yaml:"tts_model"`
		MusicModel string `yaml:"music_model"`
		// Lyria 实时会话的 WebSocket 地址
		MusicEndpoint string `yaml:"music_endpoint"`

		// 视频生成轮询：间隔 + 墙钟超时（显式时长，避免轮询次数隐式决定超时）
		VideoPollIntervalSec int `yaml:"video_poll_interval_sec"`
		VideoPollTimeoutSec  int `yaml:"video_poll_timeout_sec"`

		// 音乐会话在请求时长之外允许的宽限时间
		MusicGraceSec int `yaml:"music_grace_sec"`
		// 兜底曲目的访问前缀，例如 /static/music
		StockTrackBase string `yaml:"stock_track_base"`
	} `yaml:"ai"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	applyDefaults(AppConfig)
}

func applyDefaults(c *Config) {
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.AI.PlanModel == "" {
		c.AI.PlanModel = "gemini-2.5-flash"
	}
	if c.AI.ImageModel == "" {
		c.AI.ImageModel = "imagen-3.0-generate-002"
	}
	if c.AI.VideoModel == "" {
		c.AI.VideoModel = "veo-2.0-generate-001"
	}
	if c.AI.TTSModel == "" {
		c.AI.TTSModel = "gemini-2.5-flash-preview-tts"
	}
	if c.AI.MusicModel == "" {
		c.AI.MusicModel = "models/lyria-realtime-exp"
	}
	if c.AI.MusicEndpoint == "" {
		c.AI.MusicEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic"
	}
	if c.AI.VideoPollIntervalSec <= 0 {
		c.AI.VideoPollIntervalSec = 5
	}
	if c.AI.VideoPollTimeoutSec <= 0 {
		c.AI.VideoPollTimeoutSec = 300
	}
	if c.AI.MusicGraceSec <= 0 {
		c.AI.MusicGraceSec = 15
	}
	if c.AI.StockTrackBase == "" {
		c.AI.StockTrackBase = "/static/music"
	}
}

func (c *Config) VideoPollInterval() time.Duration {
	return time.Duration(c.AI.VideoPollIntervalSec) * time.Second
}

func (c *Config) VideoPollTimeout() time.Duration {
	return time.Duration(c.AI.VideoPollTimeoutSec) * time.Second
}

func (c *Config) MusicGrace() time.Duration {
	return time.Duration(c.AI.MusicGraceSec) * time.Second
}
