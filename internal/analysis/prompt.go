package analysis

import "fmt"

// buildTaggingPrompt renders the fixed analysis prompt for one screenshot.
// The instructions and the demanded JSON shape are stable so responses stay
// machine-parseable across model versions.
func buildTaggingPrompt(appLabel, extractedText string) string {
	return fmt.Sprintf(`Analyze this screenshot from the app %q.
The extracted text is: %q.

1. Provide 1-3 relevant categories for this screenshot
2. Generate 3-5 relevant tags for this screenshot
3. Write a brief one-sentence description of what this screenshot contains

Format your response as valid JSON with the following structure:
{
  "categories": ["category1", "category2", ...],
  "tags": ["tag1", "tag2", ...],
  "description": "A brief description"
}`, appLabel, extractedText)
}
