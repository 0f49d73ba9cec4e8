package service

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AdStudio-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyPNG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testVeoClient(baseURL string, store MediaStore) *VeoClient {
	return &VeoClient{
		client:       newGenaiClient("test-key", baseURL),
		model:        "veo-test",
		store:        store,
		pollInterval: 10 * time.Millisecond,
		pollTimeout:  500 * time.Millisecond,
	}
}

func testVideoScene() models.Scene {
	return models.Scene{
		ID:          "scene-1",
		Order:       1,
		DurationSec: 5,
		Character:   "跑者",
		Environment: "清晨街道",
		Camera:      "低角度跟拍",
		Action:      "加速冲刺",
		Summary:     "跑者冲过街角",
	}
}

// writeDoneOperation 返回已完成的长时操作，产出视频指向给定地址
func writeDoneOperation(w http.ResponseWriter, videoURL string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"name": "operations/abc",
		"done": true,
		"response": map[string]interface{}{
			"generateVideoResponse": map[string]interface{}{
				"generatedSamples": []map[string]interface{}{
					{"video": map[string]interface{}{"uri": videoURL}},
				},
			},
		},
	})
}

// 图生视频一次成功：不打降级标记
func TestGenerateClipImageConditioned(t *testing.T) {
	storyboard := tinyPNG(t)
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/storyboard.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(storyboard)
	})
	mux.HandleFunc("/v1beta/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "operations/abc"})
	})
	mux.HandleFunc("/v1beta/operations/abc", func(w http.ResponseWriter, r *http.Request) {
		writeDoneOperation(w, server.URL+"/clip.mp4?alt=media")
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	store := newFakeStore()
	c := testVeoClient(server.URL, store)
	res, err := c.GenerateClip(context.Background(), VideoRequest{
		Scene:          testVideoScene(),
		AspectRatio:    "16:9",
		SourceImageUrl: server.URL + "/storyboard.png",
	})
	require.NoError(t, err)

	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "https://oss/scenes/scene-1/clip.mp4", res.Url)
	assert.Equal(t, []byte("mp4-bytes"), store.objects["scenes/scene-1/clip.mp4"])
	assert.NotContains(t, diagCodes(res.Diagnostics), "VEO_TEXT_FALLBACK")
}

// 图生视频被拒后改走文生视频：结果可用但要打降级标记
func TestGenerateClipFallsBackToTextPrompt(t *testing.T) {
	storyboard := tinyPNG(t)
	var generateCalls int32
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/storyboard.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(storyboard)
	})
	mux.HandleFunc("/v1beta/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&generateCalls, 1) == 1 {
			http.Error(w, "image input rejected", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "operations/abc"})
	})
	mux.HandleFunc("/v1beta/operations/abc", func(w http.ResponseWriter, r *http.Request) {
		writeDoneOperation(w, server.URL+"/clip.mp4?alt=media")
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	store := newFakeStore()
	c := testVeoClient(server.URL, store)
	res, err := c.GenerateClip(context.Background(), VideoRequest{
		Scene:          testVideoScene(),
		AspectRatio:    "16:9",
		SourceImageUrl: server.URL + "/storyboard.png",
	})
	require.NoError(t, err)

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "https://oss/scenes/scene-1/clip.mp4", res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "VEO_REQUEST_FAILED")
	assert.Contains(t, codes, "VEO_TEXT_FALLBACK")
	assert.Equal(t, int32(2), atomic.LoadInt32(&generateCalls))
}

// 分镜图拉不下来：跳过图生视频直接文生，同样打降级标记
func TestGenerateClipUnreadableSourceImage(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/storyboard.png", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	mux.HandleFunc("/v1beta/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "operations/abc"})
	})
	mux.HandleFunc("/v1beta/operations/abc", func(w http.ResponseWriter, r *http.Request) {
		writeDoneOperation(w, server.URL+"/clip.mp4?alt=media")
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	c := testVeoClient(server.URL, newFakeStore())
	res, err := c.GenerateClip(context.Background(), VideoRequest{
		Scene:          testVideoScene(),
		SourceImageUrl: server.URL + "/storyboard.png",
	})
	require.NoError(t, err)

	assert.True(t, res.FallbackUsed)
	assert.NotEmpty(t, res.Url)
	codes := diagCodes(res.Diagnostics)
	assert.Contains(t, codes, "VEO_SOURCE_IMAGE_UNREADABLE")
	assert.Contains(t, codes, "VEO_TEXT_FALLBACK")
}

// 操作一直不完成：墙钟超时兜底，绝不悬挂
func TestGenerateClipPollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "operations/slow"})
	})
	mux.HandleFunc("/v1beta/operations/slow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "operations/slow", "done": false})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := testVeoClient(server.URL, newFakeStore())
	c.pollInterval = 10 * time.Millisecond
	c.pollTimeout = 60 * time.Millisecond

	start := time.Now()
	res, err := c.GenerateClip(context.Background(), VideoRequest{Scene: testVideoScene()})
	require.NoError(t, err)

	assert.Empty(t, res.Url)
	assert.False(t, res.FallbackUsed)
	assert.Contains(t, diagCodes(res.Diagnostics), "VEO_POLL_TIMEOUT")
	assert.Less(t, time.Since(start), 5*time.Second)
}
