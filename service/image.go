package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"

	"AdStudio-server/config"
)

// ImagenClient 镜头 -> 分镜关键帧图
type ImagenClient struct {
	client *genaiClient
	model  string
	store  MediaStore
}

func NewImagenClient(store MediaStore) *ImagenClient {
	cfg := config.AppConfig
	return &ImagenClient{
		client: newGenaiClient(cfg.AI.APIKey, cfg.AI.BaseURL),
		model:  cfg.AI.ImageModel,
		store:  store,
	}
}

type imagenPredictRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string            `json:"prompt"`
	Image  *geminiInlineData `json:"image,omitempty"`
}

type imagenParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type imagenPredictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

func (c *ImagenClient) GenerateStoryboard(ctx context.Context, req ImageRequest) (*AssetResult, error) {
	result := &AssetResult{Provider: ProviderImagen, Operation: StageStoryboard, Diagnostics: []ProviderDiagnostic{}}
	sceneCtx := map[string]string{"scene_id": req.Scene.ID}

	if c.client.apiKey == "" {
		d := errDiag("IMAGEN_MISSING_API_KEY", "Image generation skipped: no API key configured.", nil)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}

	instance := imagenInstance{Prompt: storyboardPrompt(req)}
	if len(req.ReferenceImage) > 0 {
		// 参考图解析失败不致命，降级为无参考生成
		if _, _, err := image.DecodeConfig(bytes.NewReader(req.ReferenceImage)); err != nil {
			d := warnDiag("IMAGEN_REFERENCE_UNREADABLE", "Reference image could not be parsed, generating without it.", err)
			d.Context = sceneCtx
			result.Diagnostics = append(result.Diagnostics, d)
		} else {
			instance.Image = &geminiInlineData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(req.ReferenceImage),
			}
		}
	}

	body := imagenPredictRequest{
		Instances:  []imagenInstance{instance},
		Parameters: imagenParameters{SampleCount: 1, AspectRatio: req.AspectRatio},
	}

	var resp imagenPredictResponse
	path := fmt.Sprintf("/v1beta/models/%s:predict", c.model)
	if err := c.client.postJSON(ctx, path, body, &resp); err != nil {
		d := errDiag("IMAGEN_REQUEST_FAILED", "Image generation request failed.", err)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}
	if len(resp.Predictions) == 0 || resp.Predictions[0].BytesBase64Encoded == "" {
		d := errDiag("IMAGEN_EMPTY_RESPONSE", "Image provider returned no image data.", nil)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Predictions[0].BytesBase64Encoded)
	if err != nil {
		d := errDiag("IMAGEN_DECODE_FAILED", "Image payload could not be decoded.", err)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}

	objectName := fmt.Sprintf("scenes/%s/storyboard.png", req.Scene.ID)
	url, err := c.store.Upload(ctx, objectName, raw, "image/png")
	if err != nil {
		d := errDiag("OSS_UPLOAD_FAILED", "Generated image could not be stored.", err)
		d.Context = sceneCtx
		result.Diagnostics = append(result.Diagnostics, d)
		return result, nil
	}

	log.Printf("[Imagen] 镜头 %s 分镜图已生成: %s", req.Scene.ID, objectName)
	result.Url = url
	return result, nil
}

func storyboardPrompt(req ImageRequest) string {
	s := req.Scene
	return fmt.Sprintf("Cinematic storyboard frame. Character: %s. Environment: %s. Camera: %s. Action: %s.",
		s.Character, s.Environment, s.Camera, s.Action)
}
