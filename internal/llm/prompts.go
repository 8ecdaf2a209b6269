package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"brainvault/internal/types"
)

const enrichSystemPrompt = `You annotate personal knowledge snippets. Respond with JSON only.`

func enrichPrompt(text string) string {
	return fmt.Sprintf(`Analyze the following text and produce:
1. A one-sentence summary.
2. Two question/answer pairs a user might ask that this text answers.
3. The named entities mentioned (people, places, organizations).

Text:
%s

Output JSON: {"summary": "...", "qas": [{"question": "...", "answer": "..."}], "entities": ["..."]}`, text)
}

const extractSystemPrompt = `You extract atomic facts from personal notes. Respond with JSON only.`

func extractFactsPrompt(text string, referenceDate time.Time) string {
	return fmt.Sprintf(`Today's date is %s. Extract atomic facts from the text as
subject-predicate-object triples about the user or the entities mentioned.
Use "user" as the subject for statements about the author. Use snake_case
predicates (e.g. lives_in, works_at, has_pet). Resolve relative dates
("last month", "yesterday") against today's date and emit them as
ISO 8601 in valid_from. Omit valid_from when the text gives no time signal.
Include a location when one is stated. Confidence is your certainty in [0, 1].

Text:
%s

Output JSON: {"facts": [{"subject": "...", "predicate": "...", "object": "...",
"confidence": 0.9, "valid_from": "2024-01-15", "location": "..."}]}`,
		referenceDate.Format("2006-01-02"), text)
}

func judgePrompt(candidate *types.Fact, neighbors []*types.Fact) string {
	lines := make([]string, 0, len(neighbors))
	for i, n := range neighbors {
		lines = append(lines, fmt.Sprintf(`fact_%d: "%s" (Date: %s)`,
			i+1, n.Text(), n.ValidFrom.Format("2006-01-02")))
	}

	return fmt.Sprintf(`Fact Gatekeeper:
New Fact: "%s" (Date: %s)

Existing Similar Facts:
%s

Decide:
1. DUPLICATE: New Fact adds NO new info AND refers to the same time period.
2. SUPERSEDE: New Fact is a MORE detailed/current/corrected version of the old fact (output the id to supersede).
3. NEW: Different fact entirely OR refers to a different time.

Output JSON: {"decision": "DUPLICATE" | "SUPERSEDE" | "NEW", "target_id": "fact_1"}`,
		candidate.Text(), candidate.ValidFrom.Format("2006-01-02"),
		strings.Join(lines, "\n"))
}

func metadataTagsPrompt(title, content string) string {
	return fmt.Sprintf(`Suggest up to 5 short lowercase tags for this note.

Title: %s
Text:
%s

Output JSON: {"tags": ["..."]}`, title, content)
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// decodeJSONResponse unmarshals the first JSON object found in a model
// response, tolerating markdown code fences around it.
func decodeJSONResponse(content string, v interface{}) error {
	cleaned := strings.ReplaceAll(content, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	match := jsonObjectRe.FindString(cleaned)
	if match == "" {
		return fmt.Errorf("no JSON object in model response")
	}
	return json.Unmarshal([]byte(match), v)
}
