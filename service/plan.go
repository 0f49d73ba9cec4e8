package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"AdStudio-server/config"
)

// GeminiPlanner 文案 -> 结构化广告方案。
// 整条流水线里只有这个适配器允许把失败抛给上层：没有方案就没有任何可展示的东西。
type GeminiPlanner struct {
	client *genaiClient
	model  string
}

func NewGeminiPlanner() *GeminiPlanner {
	cfg := config.AppConfig
	return &GeminiPlanner{
		client: newGenaiClient(cfg.AI.APIKey, cfg.AI.BaseURL),
		model:  cfg.AI.PlanModel,
	}
}

type geminiContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiPlanner) GeneratePlan(ctx context.Context, req PlanRequest) (*AdPlan, error) {
	if g.client.apiKey == "" {
		return nil, fmt.Errorf("plan generation failed: missing api key")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("plan generation failed: empty prompt")
	}

	parts := []geminiPart{{Text: buildPlanPrompt(req)}}
	// 参考图作为内联数据随提示词一起送入
	for _, img := range req.ReferenceImages {
		if len(img) == 0 {
			continue
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: http.DetectContentType(img),
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}
	body := geminiContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &geminiGenerationConfig{ResponseMimeType: "application/json"},
	}

	var resp geminiContentResponse
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", g.model)
	if err := g.client.postJSON(ctx, path, body, &resp); err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("plan generation failed: empty response")
	}

	raw := resp.Candidates[0].Content.Parts[0].Text
	plan, err := parsePlanJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	log.Printf("[Plan] 方案生成完成: %q, %d 个镜头", plan.Title, len(plan.Scenes))
	return plan, nil
}

func buildPlanPrompt(req PlanRequest) string {
	var sb strings.Builder
	sb.WriteString("You are a creative director planning a short video advertisement.\n")
	sb.WriteString("Produce a JSON object with fields: title, concept, mood, script, dialogue (array of {speaker, line}), ")
	sb.WriteString("scenes (array of {duration_sec, character, environment, camera, action, summary, overlay_text, overlay_position, overlay_size}).\n")
	sb.WriteString("Each scene duration_sec must be exactly 5 or 8. Every scene must fill all breakdown fields.\n")
	sb.WriteString(fmt.Sprintf("Ad brief: %s\n", req.Prompt))
	if req.Style != "" {
		sb.WriteString(fmt.Sprintf("Visual style: %s\n", req.Style))
	}
	if req.AspectRatio != "" {
		sb.WriteString(fmt.Sprintf("Target aspect ratio: %s\n", req.AspectRatio))
	}
	for _, t := range req.ReferenceTexts {
		sb.WriteString("Reference material:\n" + t + "\n")
	}
	for _, l := range req.ReferenceLinks {
		sb.WriteString("Reference link: " + l + "\n")
	}
	return sb.String()
}

// parsePlanJSON 解析模型返回的 JSON 方案并做最低限度的规整：
// 镜头必须非空，时长收敛到 5/8 两档
func parsePlanJSON(raw string) (*AdPlan, error) {
	// 个别模型会把 JSON 包在 markdown 代码块里
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var plan AdPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("malformed plan output: %w", err)
	}
	if len(plan.Scenes) == 0 {
		return nil, fmt.Errorf("plan has no scenes")
	}
	for i := range plan.Scenes {
		if plan.Scenes[i].DurationSec != 5 && plan.Scenes[i].DurationSec != 8 {
			plan.Scenes[i].DurationSec = 5
		}
	}
	return &plan, nil
}
