package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePCMEncoding(t *testing.T) {
	// 提供方的标准声明
	rate, channels, ok := ParsePCMEncoding("audio/L16;codec=pcm;rate=24000")
	require.True(t, ok)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, 1, channels)

	rate, channels, ok = ParsePCMEncoding("audio/pcm;rate=48000;channels=2")
	require.True(t, ok)
	assert.Equal(t, 48000, rate)
	assert.Equal(t, 2, channels)

	// 只有 pcm 标识时取默认参数
	rate, channels, ok = ParsePCMEncoding("audio/pcm")
	require.True(t, ok)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, 1, channels)

	for _, mime := range []string{"", "audio/mpeg", "audio/ogg;rate=44100"} {
		_, _, ok = ParsePCMEncoding(mime)
		assert.False(t, ok, "mime %q 不应识别为 PCM", mime)
	}
}

func TestWrapPCMAsWAV(t *testing.T) {
	pcm := make([]byte, 4800)
	wav := WrapPCMAsWAV(pcm, 24000, 1)

	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))

	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]))  // PCM 格式
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))  // 单声道
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(24000*1*2), binary.LittleEndian.Uint32(wav[28:32])) // byteRate
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))        // 位深
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))

	stereo := WrapPCMAsWAV(pcm, 48000, 2)
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(stereo[22:24]))
	assert.Equal(t, uint32(48000*2*2), binary.LittleEndian.Uint32(stereo[28:32]))
}

// 配音产物按项目归档，PCM 打包成 WAV 后落盘
func TestGenerateVoiceoverStoresPerProject(t *testing.T) {
	pcm := []byte{0, 1, 0, 2, 0, 3, 0, 4}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/tts-test:generateContent", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"parts": []map[string]interface{}{
					{"inlineData": map[string]string{
						"mimeType": "audio/L16;codec=pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					}},
				}}},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newFakeStore()
	c := &GeminiTTSClient{
		client: newGenaiClient("test-key", server.URL),
		model:  "tts-test",
		store:  store,
	}
	res, err := c.GenerateVoiceover(context.Background(), VoiceRequest{
		ProjectId: "p1",
		Script:    "每一步都算数。",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://oss/projects/p1/voiceover.wav", res.Url)
	wav := store.objects["projects/p1/voiceover.wav"]
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
}

func TestDistinctSpeakers(t *testing.T) {
	assert.Empty(t, DistinctSpeakers(nil))

	dialogue := []DialogueTurn{
		{Speaker: "旁白", Line: "清晨的街道"},
		{Speaker: "跑者", Line: "出发"},
		{Speaker: "旁白", Line: "每一步都算数"},
	}
	assert.Equal(t, []string{"旁白", "跑者"}, DistinctSpeakers(dialogue))
}

func TestBuildSpeechConfig(t *testing.T) {
	// 单说话人：优先用户指定的声音
	cfg := buildSpeechConfig(VoiceRequest{Script: "s", Voice: "Puck"})
	require.NotNil(t, cfg.VoiceConfig)
	assert.Nil(t, cfg.MultiSpeakerVoiceConfig)
	assert.Equal(t, "Puck", cfg.VoiceConfig.PrebuiltVoiceConfig.VoiceName)

	// 未指定时落到声音池首位
	cfg = buildSpeechConfig(VoiceRequest{Script: "s"})
	assert.Equal(t, voicePool[0], cfg.VoiceConfig.PrebuiltVoiceConfig.VoiceName)

	// 多说话人按首次出现顺序轮转声音池
	dialogue := make([]DialogueTurn, 0, len(voicePool)+1)
	speakers := []string{"A", "B", "C", "D", "E", "F"}
	for _, sp := range speakers {
		dialogue = append(dialogue, DialogueTurn{Speaker: sp, Line: "……"})
	}
	cfg = buildSpeechConfig(VoiceRequest{Script: "s", Dialogue: dialogue})
	require.NotNil(t, cfg.MultiSpeakerVoiceConfig)
	assert.Nil(t, cfg.VoiceConfig)
	configs := cfg.MultiSpeakerVoiceConfig.SpeakerVoiceConfigs
	require.Len(t, configs, len(speakers))
	for i, c := range configs {
		assert.Equal(t, speakers[i], c.Speaker)
		assert.Equal(t, voicePool[i%len(voicePool)], c.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	}
	// 第六个说话人回绕到池首
	assert.Equal(t, voicePool[0], configs[5].VoiceConfig.PrebuiltVoiceConfig.VoiceName)
}
