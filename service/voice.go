package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log"
	"strconv"
	"strings"

	"AdStudio-server/config"
)

// 多角色配音的固定声音池，按说话人首次出现顺序轮转分配
var voicePool = []string{"Kore", "Puck", "Charon", "Fenrir", "Aoede"}

// GeminiTTSClient 整篇脚本 -> 配音音频
type GeminiTTSClient struct {
	client *genaiClient
	model  string
	store  MediaStore
}

func NewGeminiTTSClient(store MediaStore) *GeminiTTSClient {
	cfg := config.AppConfig
	return &GeminiTTSClient{
		client: newGenaiClient(cfg.AI.APIKey, cfg.AI.BaseURL),
		model:  cfg.AI.TTSModel,
		store:  store,
	}
}

type ttsRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig ttsGenConfig    `json:"generationConfig"`
}

type ttsGenConfig struct {
	ResponseModalities []string        `json:"responseModalities"`
	SpeechConfig       *ttsSpeechConfig `json:"speechConfig,omitempty"`
}

type ttsSpeechConfig struct {
	VoiceConfig            *ttsVoiceConfig       `json:"voiceConfig,omitempty"`
	MultiSpeakerVoiceConfig *ttsMultiSpeakerConfig `json:"multiSpeakerVoiceConfig,omitempty"`
}

type ttsVoiceConfig struct {
	PrebuiltVoiceConfig ttsPrebuiltVoice `json:"prebuiltVoiceConfig"`
}

type ttsPrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type ttsMultiSpeakerConfig struct {
	SpeakerVoiceConfigs []ttsSpeakerVoice `json:"speakerVoiceConfigs"`
}

type ttsSpeakerVoice struct {
	Speaker     string         `json:"speaker"`
	VoiceConfig ttsVoiceConfig `json:"voiceConfig"`
}

func (c *GeminiTTSClient) GenerateVoiceover(ctx context.Context, req VoiceRequest) (*AssetResult, error) {
	result := &AssetResult{Provider: ProviderTTS, Operation: StageVoiceover, Diagnostics: []ProviderDiagnostic{}}

	if c.client.apiKey == "" {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("TTS_MISSING_API_KEY", "Voiceover skipped: no API key configured.", nil))
		return result, nil
	}
	if strings.TrimSpace(req.Script) == "" {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("TTS_EMPTY_SCRIPT", "Voiceover skipped: script is empty.", nil))
		return result, nil
	}

	body := ttsRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Script}}},
		},
		GenerationConfig: ttsGenConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       buildSpeechConfig(req),
		},
	}

	var resp geminiContentResponse
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", c.model)
	if err := c.client.postJSON(ctx, path, body, &resp); err != nil {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("TTS_REQUEST_FAILED", "Voiceover generation request failed.", err))
		return result, nil
	}

	inline := firstInlineData(&resp)
	if inline == nil || inline.Data == "" {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("TTS_EMPTY_AUDIO", "Voice provider returned no audio data.", nil))
		return result, nil
	}
	raw, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("TTS_DECODE_FAILED", "Audio payload could not be decoded.", err))
		return result, nil
	}

	// 提供方返回裸 PCM，需要重新打包成可直接播放的容器。
	// 对象名带项目 ID，避免并发运行互相覆盖音频
	objectName := fmt.Sprintf("projects/%s/voiceover.wav", req.ProjectId)
	contentType := "audio/wav"
	payload := raw
	if rate, channels, ok := ParsePCMEncoding(inline.MimeType); ok {
		payload = WrapPCMAsWAV(raw, rate, channels)
	} else {
		// 无法识别的编码按声明的类型原样兜底存储
		objectName = fmt.Sprintf("projects/%s/voiceover.bin", req.ProjectId)
		contentType = inline.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		result.Diagnostics = append(result.Diagnostics,
			warnDiag("TTS_UNRECOGNIZED_ENCODING",
				fmt.Sprintf("Audio encoding %q not recognized as PCM, stored as-is.", inline.MimeType), nil))
	}

	url, err := c.store.Upload(ctx, objectName, payload, contentType)
	if err != nil {
		result.Diagnostics = append(result.Diagnostics,
			errDiag("OSS_UPLOAD_FAILED", "Voiceover audio could not be stored.", err))
		return result, nil
	}

	log.Printf("[TTS] 配音已生成: %s (%d bytes)", objectName, len(payload))
	result.Url = url
	return result, nil
}

// buildSpeechConfig 单说话人用指定声音；多说话人按首次出现顺序轮转声音池
func buildSpeechConfig(req VoiceRequest) *ttsSpeechConfig {
	speakers := DistinctSpeakers(req.Dialogue)
	if len(speakers) < 2 {
		voice := req.Voice
		if voice == "" {
			voice = voicePool[0]
		}
		return &ttsSpeechConfig{
			VoiceConfig: &ttsVoiceConfig{PrebuiltVoiceConfig: ttsPrebuiltVoice{VoiceName: voice}},
		}
	}
	configs := make([]ttsSpeakerVoice, 0, len(speakers))
	for i, sp := range speakers {
		configs = append(configs, ttsSpeakerVoice{
			Speaker: sp,
			VoiceConfig: ttsVoiceConfig{
				PrebuiltVoiceConfig: ttsPrebuiltVoice{VoiceName: voicePool[i%len(voicePool)]},
			},
		})
	}
	return &ttsSpeechConfig{MultiSpeakerVoiceConfig: &ttsMultiSpeakerConfig{SpeakerVoiceConfigs: configs}}
}

// DistinctSpeakers 按首次出现顺序返回去重后的说话人列表
func DistinctSpeakers(dialogue []DialogueTurn) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range dialogue {
		if t.Speaker == "" || seen[t.Speaker] {
			continue
		}
		seen[t.Speaker] = true
		out = append(out, t.Speaker)
	}
	return out
}

// ParsePCMEncoding 从声明的编码串里识别 PCM 并解析采样率/声道数。
// 形如 "audio/L16;codec=pcm;rate=24000"，识别不出按 24kHz 单声道默认值之前先判定是否 PCM。
func ParsePCMEncoding(mimeType string) (rate, channels int, ok bool) {
	lower := strings.ToLower(mimeType)
	if !strings.Contains(lower, "l16") && !strings.Contains(lower, "pcm") {
		return 0, 0, false
	}
	rate, channels = 24000, 1
	for _, part := range strings.Split(lower, ";") {
		part = strings.TrimSpace(part)
		if v, found := strings.CutPrefix(part, "rate="); found {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				rate = n
			}
		}
		if v, found := strings.CutPrefix(part, "channels="); found {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				channels = n
			}
		}
	}
	return rate, channels, true
}

// WrapPCMAsWAV 给 16-bit 线性 PCM 加上 RIFF/WAVE 头
func WrapPCMAsWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, []byte("RIFF")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, bitsPerSample)
	buf = append(buf, []byte("data")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

func firstInlineData(resp *geminiContentResponse) *geminiInlineData {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil {
				return part.InlineData
			}
		}
	}
	return nil
}
