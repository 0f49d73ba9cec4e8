package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"AdStudio-server/config"

	"github.com/gorilla/websocket"
)

// 情绪关键词 -> 兜底曲目。大小写不敏感的子串匹配，命中第一个即返回。
// 表保持最小集合，未命中一律落到 cinematic 默认曲目。
var stockTracks = []struct {
	keywords []string
	file     string
}{
	{[]string{"upbeat", "happy"}, "upbeat_pop.mp3"},
	{[]string{"business", "tech"}, "corporate_tech.mp3"},
	{[]string{"sad", "emotional"}, "emotional_piano.mp3"},
	{[]string{"jazz"}, "smooth_jazz.mp3"},
}

const stockDefaultTrack = "cinematic_ambient.mp3"

// StockTrackForMood 按情绪描述挑一条兜底曲目文件名
func StockTrackForMood(mood string) string {
	lower := strings.ToLower(mood)
	for _, entry := range stockTracks {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.file
			}
		}
	}
	return stockDefaultTrack
}

// musicConn 抽掉 *websocket.Conn 的最小读写面，测试时可替换
type musicConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// LyriaClient 情绪/风格 -> 背景音乐。
// 实时会话走 WebSocket 双向流，任何失败路径都落到兜底曲目而不是报错。
type LyriaClient struct {
	apiKey    string
	endpoint  string
	model     string
	grace     time.Duration
	store     MediaStore
	stockBase string

	// 可注入的拨号函数，默认 gorilla websocket
	dial func(url string) (musicConn, error)
}

func NewLyriaClient(store MediaStore) *LyriaClient {
	cfg := config.AppConfig
	return &LyriaClient{
		apiKey:    cfg.AI.APIKey,
		endpoint:  cfg.AI.MusicEndpoint,
		model:     cfg.AI.MusicModel,
		grace:     cfg.MusicGrace(),
		store:     store,
		stockBase: cfg.AI.StockTrackBase,
		dial: func(url string) (musicConn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// 会话状态机：connecting -> awaiting-setup -> streaming -> stopping -> settled。
// settle 只会生效一次，之后所有路径（读协程、两个定时器）都成为空操作。
const (
	sessionConnecting = iota
	sessionAwaitingSetup
	sessionStreaming
	sessionStopping
	sessionSettled
)

type sessionOutcome struct {
	chunks [][]byte
	diag   *ProviderDiagnostic
}

type lyriaSession struct {
	mu     sync.Mutex
	state  int
	chunks [][]byte
	done   chan sessionOutcome
	timers []*time.Timer
}

func newLyriaSession() *lyriaSession {
	return &lyriaSession{state: sessionConnecting, done: make(chan sessionOutcome, 1)}
}

// transition 状态只向前推进，回退请求一律拒绝
func (s *lyriaSession) transition(state int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state <= s.state {
		return false
	}
	s.state = state
	return true
}

func (s *lyriaSession) appendChunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessionSettled {
		return
	}
	s.chunks = append(s.chunks, b)
}

func (s *lyriaSession) addTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, t)
}

// settle 结束会话。已结束的会话再调用是空操作，保证结果只交付一次，
// 并且把挂着的定时器全部停掉，避免结束后再触发。
func (s *lyriaSession) settle(diag *ProviderDiagnostic) {
	s.mu.Lock()
	if s.state == sessionSettled {
		s.mu.Unlock()
		return
	}
	s.state = sessionSettled
	for _, t := range s.timers {
		t.Stop()
	}
	chunks := s.chunks
	s.mu.Unlock()
	s.done <- sessionOutcome{chunks: chunks, diag: diag}
}

func (s *lyriaSession) currentState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lyria 双向流的客户端/服务端帧
type lyriaClientFrame struct {
	Setup                 *lyriaSetup      `json:"setup,omitempty"`
	ClientContent         *lyriaContent    `json:"clientContent,omitempty"`
	MusicGenerationConfig *lyriaGenConfig  `json:"musicGenerationConfig,omitempty"`
	PlaybackControl       string           `json:"playbackControl,omitempty"`
}

type lyriaSetup struct {
	Model string `json:"model"`
}

type lyriaContent struct {
	WeightedPrompts []lyriaWeightedPrompt `json:"weightedPrompts"`
}

type lyriaWeightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type lyriaGenConfig struct {
	Temperature float64 `json:"temperature"`
}

type lyriaServerFrame struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		AudioChunks []struct {
			Data string `json:"data"`
		} `json:"audioChunks"`
	} `json:"serverContent"`
}

func (c *LyriaClient) GenerateScore(ctx context.Context, req MusicRequest) (*AssetResult, error) {
	result := &AssetResult{Provider: ProviderLyria, Operation: StageScoring, Diagnostics: []ProviderDiagnostic{}}

	if c.apiKey == "" {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("LYRIA_MISSING_API_KEY", "Music generation skipped: no API key configured.", nil))
		return c.stockFallback(req, result), nil
	}

	conn, err := c.dial(c.endpoint + "?key=" + c.apiKey)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("LYRIA_SOCKET_ERROR", "WebSocket connection failed.", err))
		return c.stockFallback(req, result), nil
	}
	defer conn.Close()

	session := newLyriaSession()
	duration := time.Duration(req.DurationSec) * time.Second

	// 读协程：处理 setup 确认与音频分片，连接关闭时按状态决定结局
	go c.readLoop(conn, session, req)

	// 停止定时器：到达请求时长后发 STOP 并关闭
	stopTimer := time.AfterFunc(duration, func() {
		if session.transition(sessionStopping) {
			_ = conn.WriteJSON(lyriaClientFrame{PlaybackControl: "STOP"})
			_ = conn.Close()
		}
	})
	session.addTimer(stopTimer)

	// 安全定时器：无论会话是否正常关闭，这条路径保证必然返回
	safetyTimer := time.AfterFunc(duration+c.grace, func() {
		session.settle(&ProviderDiagnostic{
			Level:   DiagLevelError,
			Code:    "LYRIA_TIMEOUT",
			Message: fmt.Sprintf("Music session did not close within %s past the requested duration.", c.grace),
		})
	})
	session.addTimer(safetyTimer)

	if err := conn.WriteJSON(lyriaClientFrame{Setup: &lyriaSetup{Model: c.model}}); err != nil {
		session.settle(errDiagPtr("LYRIA_SOCKET_ERROR", "WebSocket connection failed.", err))
	} else {
		session.transition(sessionAwaitingSetup)
	}

	outcome := <-session.done
	if outcome.diag != nil {
		// 超时、socket 错误等异常结局一律走兜底，已收到的半截音频不算产出
		result.Diagnostics = append(result.Diagnostics, *outcome.diag)
		return c.stockFallback(req, result), nil
	}
	if len(outcome.chunks) == 0 {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("LYRIA_NO_AUDIO", "Music session closed without any audio chunks.", nil))
		return c.stockFallback(req, result), nil
	}

	// 拼接全部分片并打包：该提供方固定 48kHz 双声道
	var pcm []byte
	for _, chunk := range outcome.chunks {
		pcm = append(pcm, chunk...)
	}
	wav := WrapPCMAsWAV(pcm, 48000, 2)
	objectName := fmt.Sprintf("projects/%s/music.wav", req.ProjectId)
	url, err := c.store.Upload(ctx, objectName, wav, "audio/wav")
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("OSS_UPLOAD_FAILED", "Generated music could not be stored.", err))
		return c.stockFallback(req, result), nil
	}

	log.Printf("[Lyria] 配乐已生成: %d 个分片, %d bytes", len(outcome.chunks), len(pcm))
	result.Url = url
	return result, nil
}

func (c *LyriaClient) readLoop(conn musicConn, session *lyriaSession, req MusicRequest) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// 连接关闭：主动 STOP 且有音频算正常结束，否则算空会话
			if session.currentState() == sessionStopping {
				session.settle(nil)
			} else {
				session.settle(errDiagPtr("LYRIA_SOCKET_ERROR", "WebSocket connection failed.", err))
			}
			return
		}

		var frame lyriaServerFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		if frame.SetupComplete != nil {
			if session.transition(sessionStreaming) {
				_ = conn.WriteJSON(lyriaClientFrame{MusicGenerationConfig: &lyriaGenConfig{Temperature: 1.0}})
				_ = conn.WriteJSON(lyriaClientFrame{ClientContent: &lyriaContent{
					WeightedPrompts: []lyriaWeightedPrompt{{Text: musicPrompt(req), Weight: 1.0}},
				}})
				_ = conn.WriteJSON(lyriaClientFrame{PlaybackControl: "PLAY"})
			} else if session.currentState() == sessionSettled {
				return
			}
			// 停止中收到迟到的 setup 确认：不回退状态，继续读到连接关闭
			continue
		}

		if frame.ServerContent != nil {
			for _, chunk := range frame.ServerContent.AudioChunks {
				raw, err := base64.StdEncoding.DecodeString(chunk.Data)
				if err != nil || len(raw) == 0 {
					continue
				}
				session.appendChunk(raw)
			}
		}
	}
}

// stockFallback 按情绪匹配兜底曲目。返回的结果必定带非空 URL 与 fallbackUsed 标记。
func (c *LyriaClient) stockFallback(req MusicRequest, result *AssetResult) *AssetResult {
	track := StockTrackForMood(req.Mood)
	result.Provider = ProviderStock
	result.Url = strings.TrimRight(c.stockBase, "/") + "/" + track
	result.FallbackUsed = true
	result.Diagnostics = append(result.Diagnostics, warnDiag("LYRIA_FALLBACK_TRACK",
		fmt.Sprintf("Real music generation unavailable, using fallback stock track %q.", track), nil))
	log.Printf("[Lyria] 使用兜底曲目: %s (mood=%q)", track, req.Mood)
	return result
}

func musicPrompt(req MusicRequest) string {
	if req.Style != "" {
		return fmt.Sprintf("%s background music, %s style, instrumental, suitable for an advertisement", req.Mood, req.Style)
	}
	return fmt.Sprintf("%s background music, instrumental, suitable for an advertisement", req.Mood)
}

func errDiagPtr(code, message string, err error) *ProviderDiagnostic {
	d := errDiag(code, message, err)
	return &d
}
