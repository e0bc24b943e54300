// Package verify asks a vision model whether a submitted photo shows the
// reported issue as fixed.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fixbounty/fraudguard/internal/llm"
	"github.com/fixbounty/fraudguard/internal/models"
)

// Confidence bounds of a verifier verdict.
const (
	MinConfidence = 1
	MaxConfidence = 10
)

// ErrNoImage is returned when no after-photo was supplied.
var ErrNoImage = errors.New("after image is required")

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// FixVerifier judges fix evidence with an LLM provider.
type FixVerifier struct {
	provider llm.Provider
}

// NewFixVerifier creates a new fix verifier.
func NewFixVerifier(provider llm.Provider) *FixVerifier {
	return &FixVerifier{provider: provider}
}

type verificationResult struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const systemPrompt = `You review photo evidence that a reported physical issue has been fixed.

You receive an optional "before" photo showing the reported issue, then the "after" photo submitted as proof of the fix, and a short description of the issue.

Your task:
1. Decide whether the after photo plausibly shows the same place as the before photo
2. Decide whether the issue described is no longer visible
3. Assign a confidence score from 1 (clearly not fixed) to 10 (clearly fixed)

Respond with a JSON object:
{
  "confidence": 1-10,
  "reasoning": "Brief explanation of your decision"
}

Only respond with the JSON object, no other text.`

// Verify returns the model's confidence that after shows the described issue
// fixed. before may be nil when the report had no photo.
func (v *FixVerifier) Verify(ctx context.Context, before, after []byte, description string) (*models.VerifierResult, error) {
	if len(after) == 0 {
		return nil, ErrNoImage
	}

	images := make([][]byte, 0, 2)
	var prompt strings.Builder
	if len(before) > 0 {
		images = append(images, before)
		prompt.WriteString("The first image is the before photo. The second image is the after photo.\n")
	} else {
		prompt.WriteString("No before photo is available. The image is the after photo.\n")
	}
	images = append(images, after)

	description = strings.TrimSpace(description)
	if description == "" {
		description = "(no description provided)"
	}
	fmt.Fprintf(&prompt, "\nReported issue: %s\n\nIs it fixed?", description)

	response, err := v.provider.CompleteWithImages(ctx, systemPrompt, prompt.String(), images, llm.DefaultCompletionOptions())
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	result, err := parseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse verification response: %w", err)
	}

	return &models.VerifierResult{
		Confidence: clampConfidence(result.Confidence),
		Reasoning:  strings.TrimSpace(result.Reasoning),
	}, nil
}

func parseResponse(response string) (*verificationResult, error) {
	response = strings.TrimSpace(response)

	// Handle markdown code blocks
	if strings.HasPrefix(response, "```") {
		if matches := codeFence.FindStringSubmatch(response); len(matches) > 1 {
			response = matches[1]
		}
	}

	var result verificationResult
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		start := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON found in response")
		}
		if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	return &result, nil
}

func clampConfidence(c float64) int {
	n := int(c + 0.5)
	if n < MinConfidence {
		return MinConfidence
	}
	if n > MaxConfidence {
		return MaxConfidence
	}
	return n
}
