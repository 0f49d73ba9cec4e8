package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockTrackForMood(t *testing.T) {
	cases := map[string]string{
		"upbeat":                  "upbeat_pop.mp3",
		"Upbeat and energetic":    "upbeat_pop.mp3", // 大小写不敏感的子串匹配
		"happy summer vibes":      "upbeat_pop.mp3",
		"serious business pitch":  "corporate_tech.mp3",
		"Tech demo":               "corporate_tech.mp3",
		"sad farewell":            "emotional_piano.mp3",
		"deeply EMOTIONAL":        "emotional_piano.mp3",
		"smooth jazz lounge":      "smooth_jazz.mp3",
		"mysterious and dramatic": "cinematic_ambient.mp3", // 未命中走默认
		"":                        "cinematic_ambient.mp3",
	}
	for mood, want := range cases {
		assert.Equal(t, want, StockTrackForMood(mood), "mood=%q", mood)
	}
}

func TestLyriaSessionSettleOnce(t *testing.T) {
	s := newLyriaSession()
	s.appendChunk([]byte{1, 2})
	require.True(t, s.transition(sessionStreaming))

	s.settle(errDiagPtr("LYRIA_TIMEOUT", "timed out", nil))
	// 已结束的会话：再 settle、追加分片、切状态全部是空操作
	s.settle(nil)
	s.appendChunk([]byte{3})
	assert.False(t, s.transition(sessionStopping))
	assert.Equal(t, sessionSettled, s.currentState())

	outcome := <-s.done
	require.NotNil(t, outcome.diag)
	assert.Equal(t, "LYRIA_TIMEOUT", outcome.diag.Code)
	require.Len(t, outcome.chunks, 1)

	select {
	case <-s.done:
		t.Fatal("结果只允许交付一次")
	default:
	}
}

// 状态机只向前：停止后迟到的 setup 确认不能把会话拉回 streaming
func TestLyriaSessionForwardOnly(t *testing.T) {
	s := newLyriaSession()
	require.True(t, s.transition(sessionAwaitingSetup))
	require.True(t, s.transition(sessionStopping))

	assert.False(t, s.transition(sessionStreaming))
	assert.False(t, s.transition(sessionAwaitingSetup))
	assert.Equal(t, sessionStopping, s.currentState())

	require.True(t, s.transition(sessionSettled))
}

// scriptedConn 按脚本顺序吐出服务端帧。
// 读完后按配置要么立即报连接错误，要么阻塞到 Close（模拟服务端主动收尾）。
type scriptedConn struct {
	mu            sync.Mutex
	frames        [][]byte
	idx           int
	writes        []lyriaClientFrame
	errAfterReads bool
	ignoreClose   bool
	closed        chan struct{}
	closeOnce     sync.Once
}

func newScriptedConn(errAfterReads bool, frames ...[]byte) *scriptedConn {
	return &scriptedConn{frames: frames, errAfterReads: errAfterReads, closed: make(chan struct{})}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.idx < len(c.frames) {
		msg := c.frames[c.idx]
		c.idx++
		c.mu.Unlock()
		return websocket.TextMessage, msg, nil
	}
	c.mu.Unlock()
	if c.errAfterReads {
		return 0, nil, io.EOF
	}
	<-c.closed
	return 0, nil, io.EOF
}

func (c *scriptedConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frame, ok := v.(lyriaClientFrame); ok {
		c.writes = append(c.writes, frame)
	}
	return nil
}

func (c *scriptedConn) Close() error {
	if !c.ignoreClose {
		c.closeOnce.Do(func() { close(c.closed) })
	}
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = data
	return "https://oss/" + objectName, nil
}

func serverFrame(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func audioFrame(t *testing.T, pcm []byte) []byte {
	return serverFrame(t, map[string]interface{}{"serverContent": map[string]interface{}{
		"audioChunks": []map[string]string{{"data": base64.StdEncoding.EncodeToString(pcm)}},
	}})
}

func setupCompleteFrame(t *testing.T) []byte {
	return serverFrame(t, map[string]interface{}{"setupComplete": map[string]interface{}{}})
}

func testLyriaClient(conn musicConn, dialErr error, store MediaStore) *LyriaClient {
	return &LyriaClient{
		apiKey:    "test-key",
		endpoint:  "wss://example.invalid/music",
		model:     "lyria-realtime",
		grace:     time.Minute,
		store:     store,
		stockBase: "/static/tracks",
		dial: func(url string) (musicConn, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			return conn, nil
		},
	}
}

func diagCodes(diags []ProviderDiagnostic) []string {
	var codes []string
	for _, d := range diags {
		codes = append(codes, d.Code)
	}
	return codes
}

func TestGenerateScoreMissingAPIKey(t *testing.T) {
	c := testLyriaClient(nil, nil, newFakeStore())
	c.apiKey = ""

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "upbeat", DurationSec: 10})
	require.NoError(t, err)
	assert.Equal(t, ProviderStock, res.Provider)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "/static/tracks/upbeat_pop.mp3", res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "LYRIA_MISSING_API_KEY")
	assert.Contains(t, codes, "LYRIA_FALLBACK_TRACK")
}

func TestGenerateScoreDialFailure(t *testing.T) {
	c := testLyriaClient(nil, errors.New("dial tcp: connection refused"), newFakeStore())

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "jazz", DurationSec: 10})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "/static/tracks/smooth_jazz.mp3", res.Url)
	assert.Contains(t, diagCodes(res.Diagnostics), "LYRIA_SOCKET_ERROR")
}

// 正常流：setupComplete 后收到音频分片，到时长后主动 STOP 并关闭，音频落盘
func TestGenerateScoreStreamsAudio(t *testing.T) {
	pcm := []byte{0, 1, 0, 2, 0, 3, 0, 4}
	conn := newScriptedConn(false, setupCompleteFrame(t), audioFrame(t, pcm))
	store := newFakeStore()
	c := testLyriaClient(conn, nil, store)

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "upbeat", Style: "现代简约", DurationSec: 1})
	require.NoError(t, err)

	assert.Equal(t, ProviderLyria, res.Provider)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "https://oss/projects/p1/music.wav", res.Url)

	wav := store.objects["projects/p1/music.wav"]
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))

	// 握手后要依次下发配置、加权提示词、PLAY，到时长后 STOP
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.writes)
	var sawSetup, sawPlay, sawContent, sawStop bool
	for _, w := range conn.writes {
		if w.Setup != nil {
			sawSetup = true
		}
		if w.PlaybackControl == "PLAY" {
			sawPlay = true
		}
		if w.PlaybackControl == "STOP" {
			sawStop = true
		}
		if w.ClientContent != nil && len(w.ClientContent.WeightedPrompts) > 0 {
			sawContent = true
		}
	}
	assert.True(t, sawSetup)
	assert.True(t, sawPlay)
	assert.True(t, sawContent)
	assert.True(t, sawStop)
}

// 流中途连接断掉：即使已经收到分片，半截音频也不算产出，一律落兜底曲目
func TestGenerateScoreMidStreamErrorFallsBack(t *testing.T) {
	pcm := []byte{0, 1, 0, 2}
	conn := newScriptedConn(true, setupCompleteFrame(t), audioFrame(t, pcm))
	store := newFakeStore()
	c := testLyriaClient(conn, nil, store)

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "upbeat", DurationSec: 600})
	require.NoError(t, err)

	assert.Equal(t, ProviderStock, res.Provider)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "/static/tracks/upbeat_pop.mp3", res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "LYRIA_SOCKET_ERROR")
	assert.Contains(t, codes, "LYRIA_FALLBACK_TRACK")
	assert.Empty(t, store.objects, "半截音频不应落盘")
}

// 连接迟迟不关：安全定时器到点结束会话，同样落兜底曲目
func TestGenerateScoreSafetyTimerFallsBack(t *testing.T) {
	conn := newScriptedConn(false, setupCompleteFrame(t), audioFrame(t, []byte{0, 1}))
	conn.ignoreClose = true
	c := testLyriaClient(conn, nil, newFakeStore())
	c.grace = 100 * time.Millisecond

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "sad", DurationSec: 0})
	require.NoError(t, err)

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, ProviderStock, res.Provider)
	assert.Equal(t, "/static/tracks/emotional_piano.mp3", res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "LYRIA_TIMEOUT")
	assert.Contains(t, codes, "LYRIA_FALLBACK_TRACK")
}

// 会话正常关闭但一个分片都没收到：算空会话，落兜底曲目
func TestGenerateScoreNoAudioFallsBack(t *testing.T) {
	conn := newScriptedConn(false, setupCompleteFrame(t))
	c := testLyriaClient(conn, nil, newFakeStore())

	res, err := c.GenerateScore(context.Background(), MusicRequest{ProjectId: "p1", Mood: "sad", DurationSec: 1})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, ProviderStock, res.Provider)
	assert.Equal(t, "/static/tracks/emotional_piano.mp3", res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "LYRIA_NO_AUDIO")
	assert.Contains(t, codes, "LYRIA_FALLBACK_TRACK")
}
