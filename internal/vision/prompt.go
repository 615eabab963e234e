package vision

import "github.com/kalambet/pantry/internal/ollama"

const shelfPrompt = `Analyze this pantry shelf image and identify all visible food and pantry items.
Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Be specific about item names (e.g. "peanut butter", not "spread").
- Only include items you can see clearly.
- Estimate quantity conservatively; omit quantity_estimate when unclear.
- package_type is one of: box, can, jar, bag, bottle, other.
- confidence must reflect visibility and clarity, from 0 to 1.
- Mention occlusion, lighting, or partially hidden items in notes.`

// BuildMessages constructs the chat request carrying the image.
func BuildMessages(image []byte) []ollama.Message {
	return []ollama.Message{ollama.UserImageMessage(shelfPrompt, image)}
}

func unitRange() (*float64, *float64) {
	lo, hi := 0.0, 1.0
	return &lo, &hi
}

// resultSchema returns the Ollama JSON schema for structured shelf output.
func resultSchema() *ollama.Schema {
	lo, hi := unitRange()
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"scene_confidence": {Type: "number", Description: "Confidence that the image is interpretable", Minimum: lo, Maximum: hi},
			"items": {
				Type:        "array",
				Description: "Items visible on the shelf",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"name":              {Type: "string", Description: "Specific item name"},
						"brand":             {Type: "string", Description: "Brand if legible"},
						"package_type":      {Type: "string", Description: "box, can, jar, bag, bottle or other"},
						"quantity_estimate": {Type: "integer", Description: "Visible count if clear"},
						"confidence":        {Type: "number", Minimum: lo, Maximum: hi},
					},
					Required: []string{"name", "confidence"},
				},
			},
			"notes": {Type: "string", Description: "Occlusion, lighting, partially hidden items"},
		},
		Required: []string{"scene_confidence", "items"},
	}
}
