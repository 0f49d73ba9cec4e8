package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log"
	"time"

	"AdStudio-server/config"
	"AdStudio-server/models"
)

// VeoClient 镜头 -> 视频片段。
// 两段式策略：有分镜图先走图生视频，失败后用叙事概要走文生视频兜底。
type VeoClient struct {
	client       *genaiClient
	model        string
	store        MediaStore
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewVeoClient(store MediaStore) *VeoClient {
	cfg := config.AppConfig
	return &VeoClient{
		client:       newGenaiClient(cfg.AI.APIKey, cfg.AI.BaseURL),
		model:        cfg.AI.VideoModel,
		store:        store,
		pollInterval: cfg.VideoPollInterval(),
		pollTimeout:  cfg.VideoPollTimeout(),
	}
}

type veoGenerateRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoInstance struct {
	Prompt string            `json:"prompt"`
	Image  *geminiInlineData `json:"image,omitempty"`
}

type veoParameters struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					Uri string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

func (c *VeoClient) GenerateClip(ctx context.Context, req VideoRequest) (*AssetResult, error) {
	result := &AssetResult{Provider: ProviderVeo, Operation: StageVideo, Diagnostics: []ProviderDiagnostic{}}
	sceneCtx := map[string]string{"scene_id": req.Scene.ID}

	if c.client.apiKey == "" {
		d := errDiag("VEO_MISSING_API_KEY", "Video generation skipped: no API key configured.", nil)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}

	// 第一次尝试：图生视频（分镜图可用且可解析时）
	if req.SourceImageUrl != "" {
		inline := c.loadSourceImage(ctx, req.SourceImageUrl, req.Scene.ID, result)
		if inline != nil {
			url := c.runAttempt(ctx, req, clipPrompt(req.Scene), inline, "image_conditioned", result)
			if url != "" {
				result.Url = url
				return result, nil
			}
		}
		// 走到这里说明图生视频没有产出，用文生视频兜底
		result.FallbackUsed = true
		d := warnDiag("VEO_TEXT_FALLBACK", "Image-conditioned generation failed, falling back to text-only prompt.", nil)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
	}

	result.Url = c.runAttempt(ctx, req, req.Scene.Summary, nil, "text_only", result)
	return result, nil
}

// loadSourceImage 拉取并校验分镜图，失败记 warn 诊断并返回 nil
func (c *VeoClient) loadSourceImage(ctx context.Context, url, sceneID string, result *AssetResult) *geminiInlineData {
	raw, err := c.client.downloadBytes(ctx, url)
	if err != nil {
		d := warnDiag("VEO_SOURCE_IMAGE_UNREADABLE", "Storyboard image could not be fetched.", err)
		d.Context = map[string]string{"scene_id": sceneID}
		result.Diagnostics = append(result.Diagnostics, d)
		return nil
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		d := warnDiag("VEO_SOURCE_IMAGE_UNREADABLE", "Storyboard image could not be parsed.", err)
		d.Context = map[string]string{"scene_id": sceneID}
		result.Diagnostics = append(result.Diagnostics, d)
		return nil
	}
	return &geminiInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(raw)}
}

// runAttempt 发起一次长时操作并轮询到完成。超时/失败只记诊断，返回空 URL。
func (c *VeoClient) runAttempt(ctx context.Context, req VideoRequest, prompt string, img *geminiInlineData, attempt string, result *AssetResult) string {
	attemptCtx := map[string]string{"scene_id": req.Scene.ID, "attempt": attempt}

	body := veoGenerateRequest{
		Instances:  []veoInstance{{Prompt: prompt, Image: img}},
		Parameters: veoParameters{AspectRatio: req.AspectRatio, DurationSeconds: req.Scene.DurationSec},
	}
	var op veoOperation
	path := fmt.Sprintf("/v1beta/models/%s:predictLongRunning", c.model)
	if err := c.client.postJSON(ctx, path, body, &op); err != nil {
		d := errDiag("VEO_REQUEST_FAILED", "Video generation request failed.", err)
		d.Context = attemptCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return ""
	}
	if op.Name == "" {
		d := errDiag("VEO_EMPTY_OPERATION", "Video provider returned no operation id.", nil)
		d.Context = attemptCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return ""
	}

	// 墙钟超时作为硬上限，轮询间隔独立配置
	timeout := time.After(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			d := errDiag("VEO_POLL_TIMEOUT",
				fmt.Sprintf("Video generation did not finish within %s.", c.pollTimeout), nil)
			d.Context = attemptCtx
			result.Diagnostics = append(result.Diagnostics, d)
			return ""
		case <-ctx.Done():
			d := errDiag("VEO_POLL_CANCELLED", "Video generation polling was cancelled.", ctx.Err())
			d.Context = attemptCtx
			result.Diagnostics = append(result.Diagnostics, d)
			return ""
		case <-ticker.C:
			var cur veoOperation
			if err := c.client.getJSON(ctx, "/v1beta/"+op.Name, &cur); err != nil {
				// 单次轮询的网络错误继续重试，由超时兜底
				log.Printf("[Veo] 轮询失败(重试中): %v", err)
				continue
			}
			if !cur.Done {
				continue
			}
			if cur.Error != nil {
				d := errDiag("VEO_OPERATION_FAILED", "Video provider reported failure: "+cur.Error.Message, nil)
				d.Context = attemptCtx
				result.Diagnostics = append(result.Diagnostics, d)
				return ""
			}
			return c.collectVideo(ctx, &cur, req.Scene.ID, attemptCtx, result)
		}
	}
}

func (c *VeoClient) collectVideo(ctx context.Context, op *veoOperation, sceneID string, attemptCtx map[string]string, result *AssetResult) string {
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		d := errDiag("VEO_EMPTY_RESULT", "Video operation finished without any sample.", nil)
		d.Context = attemptCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return ""
	}
	uri := op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.Uri
	raw, err := c.client.downloadBytes(ctx, uri+"&key="+c.client.apiKey)
	if err != nil {
		d := errDiag("VEO_DOWNLOAD_FAILED", "Generated video could not be downloaded.", err)
		d.Context = attemptCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return ""
	}
	objectName := fmt.Sprintf("scenes/%s/clip.mp4", sceneID)
	url, err := c.store.Upload(ctx, objectName, raw, "video/mp4")
	if err != nil {
		d := errDiag("OSS_UPLOAD_FAILED", "Generated video could not be stored.", err)
		d.Context = attemptCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return ""
	}
	log.Printf("[Veo] 镜头 %s 视频已生成: %s", sceneID, objectName)
	return url
}

func clipPrompt(s models.Scene) string {
	return fmt.Sprintf("Character: %s. Environment: %s. Camera: %s. Action: %s.",
		s.Character, s.Environment, s.Camera, s.Action)
}
