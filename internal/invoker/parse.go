package invoker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// modelResponse is the JSON object the model is asked to produce
type modelResponse struct {
	Score       json.Number `json:"score"`
	Confidence  *float64    `json:"confidence"`
	Reasoning   string      `json:"reasoning"`
	Explanation string      `json:"explanation"`
}

// ParsedResponse is a validated model answer
type ParsedResponse struct {
	Score      int
	Confidence float64
	Reasoning  string
}

// defaultConfidence is used when the model omits a confidence value
const defaultConfidence = 0.7

// ParseResponse extracts and validates the score object from model output.
// Any violation is returned as a validation error.
func ParseResponse(text string) (*ParsedResponse, error) {
	var resp modelResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		// Models sometimes wrap the object in prose or code fences.
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, core.Validation(fmt.Errorf("no JSON object in response: %w", err))
		}
		resp = modelResponse{}
		if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
			return nil, core.Validation(fmt.Errorf("failed to parse response as JSON: %w", err))
		}
	}

	if resp.Score == "" {
		return nil, core.Validation(fmt.Errorf("response has no score"))
	}
	score, err := resp.Score.Int64()
	if err != nil {
		return nil, core.Validation(fmt.Errorf("score %q is not an integer", resp.Score))
	}
	if score < core.MinScore || score > core.MaxScore {
		return nil, core.Validation(fmt.Errorf("score %d outside [%d,%d]", score, core.MinScore, core.MaxScore))
	}

	confidence := defaultConfidence
	if resp.Confidence != nil {
		confidence = *resp.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
	}

	reasoning := resp.Reasoning
	if reasoning == "" {
		reasoning = resp.Explanation
	}

	return &ParsedResponse{
		Score:      int(score),
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(reasoning),
	}, nil
}
