package service

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 诊断级别
const (
	DiagLevelInfo  = "info"
	DiagLevelWarn  = "warn"
	DiagLevelError = "error"
)

// 提供方标识（provider 字段统一使用这些值）
const (
	ProviderGemini = "gemini"
	ProviderImagen = "imagen"
	ProviderVeo    = "veo"
	ProviderTTS    = "gemini-tts"
	ProviderLyria  = "lyria"
	ProviderStock  = "stock"
)

// 流水线阶段（operation 字段与 Project.CurrentPhase 共用）
const (
	StagePlan       = "planning"
	StageStoryboard = "storyboarding"
	StageVideo      = "video_production"
	StageVoiceover  = "voiceover"
	StageScoring    = "scoring"
	StageMixing     = "mixing"
	StageReady      = "ready"
)

// SerializedError 捕获到的底层错误，序列化后挂在诊断/问题上
type SerializedError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// ProviderDiagnostic 一次提供方调用中的一条结构化观察记录，创建后不再修改
type ProviderDiagnostic struct {
	Level   string            `json:"level"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	Error   *SerializedError  `json:"error,omitempty"`
}

// AssetResult 所有适配器的统一返回：URL 可为空，为空时 Diagnostics 必须解释原因
type AssetResult struct {
	Provider     string               `json:"provider"`
	Operation    string               `json:"operation"`
	Url          string               `json:"url"`
	FallbackUsed bool                 `json:"fallbackUsed"`
	Diagnostics  []ProviderDiagnostic `json:"diagnostics"`
}

// NormalizeAssetResult 把适配器返回的任意形态收敛为结构化结果。
// 兼容旧的“裸 URL 字符串”约定；未知形态一律收敛为空结果，内部逻辑不再按形态分支。
func NormalizeAssetResult(v interface{}) AssetResult {
	switch r := v.(type) {
	case nil:
		return AssetResult{Diagnostics: []ProviderDiagnostic{}}
	case string:
		return AssetResult{Url: r, Diagnostics: []ProviderDiagnostic{}}
	case AssetResult:
		if r.Diagnostics == nil {
			r.Diagnostics = []ProviderDiagnostic{}
		}
		return r
	case *AssetResult:
		if r == nil {
			return AssetResult{Diagnostics: []ProviderDiagnostic{}}
		}
		return NormalizeAssetResult(*r)
	default:
		return AssetResult{Diagnostics: []ProviderDiagnostic{}}
	}
}

// SelectPrimaryDiagnostic 取最能解释结果的一条诊断：先 error 后 warn，同级按插入顺序
func SelectPrimaryDiagnostic(diags []ProviderDiagnostic) *ProviderDiagnostic {
	for i := range diags {
		if diags[i].Level == DiagLevelError {
			return &diags[i]
		}
	}
	for i := range diags {
		if diags[i].Level == DiagLevelWarn {
			return &diags[i]
		}
	}
	return nil
}

// SerializeError 把任意错误值规整为可存储的 {name, message, cause}
func SerializeError(v interface{}) *SerializedError {
	if v == nil {
		return nil
	}
	switch e := v.(type) {
	case error:
		se := &SerializedError{Name: fmt.Sprintf("%T", e), Message: e.Error()}
		if cause := errors.Unwrap(e); cause != nil {
			se.Cause = cause.Error()
		}
		return se
	case string:
		return &SerializedError{Message: e}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return &SerializedError{Message: "unserializable error value"}
		}
		return &SerializedError{Message: string(b)}
	}
}

func errDiag(code, message string, err error) ProviderDiagnostic {
	return ProviderDiagnostic{
		Level:   DiagLevelError,
		Code:    code,
		Message: message,
		Error:   SerializeError(err),
	}
}

func warnDiag(code, message string, err error) ProviderDiagnostic {
	return ProviderDiagnostic{
		Level:   DiagLevelWarn,
		Code:    code,
		Message: message,
		Error:   SerializeError(err),
	}
}
