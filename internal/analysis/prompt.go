package analysis

import (
	"fmt"
	"strings"

	"llm_proxy/internal/models"
)

// buildPrompt renders the classification instructions around the
// conversation under analysis. A custom_prompt template, when present,
// replaces the default wording; it may reference {user_input},
// {ai_response} and {categories}.
func buildPrompt(userInput, aiResponse string, cfg *Config) string {
	categoriesText := formatCategories(cfg.Categories)

	if cfg.CustomPrompt != nil {
		r := strings.NewReplacer(
			"{user_input}", userInput,
			"{ai_response}", aiResponse,
			"{categories}", categoriesText,
		)
		return r.Replace(*cfg.CustomPrompt)
	}

	var b strings.Builder
	b.WriteString("Analyze the following conversation and classify it according to the given categories.\n\n")
	fmt.Fprintf(&b, "User Message: %s\n\n", userInput)
	fmt.Fprintf(&b, "AI Response: %s\n\n", aiResponse)
	fmt.Fprintf(&b, "Categories:\n%s\n\n", categoriesText)
	b.WriteString("Analyze this conversation and provide:\n")
	b.WriteString("1. The primary category that best matches from the categories listed above\n")
	b.WriteString("2. Confidence score (0.0 to 1.0) for EACH of the categories listed above\n")
	b.WriteString("3. Brief reasoning for the classification\n\n")
	b.WriteString("You MUST include ALL categories in your response with their confidence scores.")
	return b.String()
}

func formatCategories(categories []Category) string {
	lines := make([]string, 0, len(categories))
	for _, cat := range categories {
		line := "- " + cat.Name
		if cat.Description != "" {
			line += ": " + cat.Description
		}
		if len(cat.Examples) > 0 {
			examples := cat.Examples
			if len(examples) > 3 {
				examples = examples[:3]
			}
			line += fmt.Sprintf(" (Examples: %s)", strings.Join(examples, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// buildUpstreamRequest assembles the non-streamed upstream call with a
// strict JSON schema so the model cannot answer off-format.
func buildUpstreamRequest(prompt string, cfg *Config) models.JSONB {
	return models.JSONB{
		"model":       *cfg.Model,
		"input":       prompt,
		"temperature": *cfg.Temperature,
		"text": map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "analysis_response",
				"strict": true,
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"primary_category": map[string]any{"type": "string"},
						"categories": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"name":       map[string]any{"type": "string"},
									"confidence": map[string]any{"type": "number"},
								},
								"required":             []string{"name", "confidence"},
								"additionalProperties": false,
							},
						},
						"reasoning": map[string]any{"type": "string"},
						"metadata": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"sentiment": map[string]any{"type": "string"},
								"urgency":   map[string]any{"type": "string"},
								"topics": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string"},
								},
							},
							"required":             []string{"sentiment", "urgency", "topics"},
							"additionalProperties": false,
						},
					},
					"required":             []string{"primary_category", "categories", "reasoning", "metadata"},
					"additionalProperties": false,
				},
			},
		},
	}
}

// extractConversation pulls the user input and assistant output text
// from stored request and response payloads.
func extractConversation(req *models.Request) (userInput, aiResponse string) {
	if req.RequestPayload != nil {
		if input, ok := req.RequestPayload["input"].(string); ok {
			userInput = input
		}
	}

	if req.ResponsePayload == nil {
		return userInput, ""
	}

	if text, ok := extractOutputText(req.ResponsePayload); ok {
		return userInput, text
	}
	if errVal, ok := req.ResponsePayload["error"]; ok && errVal != nil {
		return userInput, fmt.Sprintf("Error: %v", errVal)
	}
	return userInput, ""
}

// extractOutputText navigates output[0].content[0].text of a buffered
// Responses API payload.
func extractOutputText(payload models.JSONB) (string, bool) {
	output, ok := payload["output"].([]any)
	if !ok || len(output) == 0 {
		return "", false
	}
	first, ok := output[0].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := first["content"].([]any)
	if !ok || len(content) == 0 {
		return "", false
	}
	item, ok := content[0].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := item["text"].(string)
	return text, ok
}
