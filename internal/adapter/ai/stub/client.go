// Package stub provides a deterministic AIClient for development and tests.
// No network, no keys; output is derived from the input so grounding checks
// pass end to end.
package stub

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const embedDim = 64

// Client implements domain.AIClient with hash-based embeddings and a
// template personalization that cites real evidence ids from the prompt.
type Client struct{}

// New constructs a stub Client.
func New() *Client { return &Client{} }

// Embed maps each text to a fixed-dimension bag-of-words hash vector. Similar
// texts share tokens and therefore score a higher cosine similarity.
func (c *Client) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, embedDim)
		for _, tok := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(tok, ".,;:()")))
			vec[h.Sum32()%embedDim]++
		}
		out[i] = vec
	}
	return out, nil
}

// evidenceLine matches the "- [id] text" bullet listing in the user prompt.
var evidenceLine = regexp.MustCompile(`(?m)^- \[([^\]]+)\] (.+)$`)

type stubResponse struct {
	Summary                string        `json:"summary"`
	SelectedBullets        []string      `json:"selected_bullets"`
	CoverLetter            string        `json:"cover_letter"`
	RequirementEvidenceMap []stubMapping `json:"requirement_evidence_map"`
}

type stubMapping struct {
	Requirement string `json:"requirement"`
	EvidenceID  string `json:"evidence_id"`
	Evidence    string `json:"evidence"`
}

// ChatJSON fabricates a personalization citing the first evidence entries it
// finds in the prompt, so downstream grounding always succeeds.
func (c *Client) ChatJSON(_ domain.Context, _, userPrompt string, _ int) (string, error) {
	matches := evidenceLine.FindAllStringSubmatch(userPrompt, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("stub: no evidence entries in prompt: %w", domain.ErrInvalidArgument)
	}

	resp := stubResponse{
		Summary:     "Candidate with directly relevant, verifiable experience for this role.",
		CoverLetter: "Dear hiring team,\n\nMy background matches this position: " + firstClause(matches[0][2]) + ". I would welcome the chance to contribute.\n\nBest regards",
	}
	reqs := extractRequirements(userPrompt)
	for i, m := range matches {
		if i >= 3 {
			break
		}
		resp.SelectedBullets = append(resp.SelectedBullets, m[1])
		req := "relevant experience"
		if i < len(reqs) {
			req = reqs[i]
		}
		resp.RequirementEvidenceMap = append(resp.RequirementEvidenceMap, stubMapping{
			Requirement: req,
			EvidenceID:  m[1],
			Evidence:    strings.TrimSuffix(m[2], ")"),
		})
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("stub: %w", err)
	}
	return string(raw), nil
}

var requirementLine = regexp.MustCompile(`(?m)^- ([^\[\n].*)$`)

// extractRequirements pulls the job requirement lines, which precede the
// evidence listing in the prompt.
func extractRequirements(prompt string) []string {
	head, _, found := strings.Cut(prompt, "## Candidate profile")
	if !found {
		head = prompt
	}
	var out []string
	for _, m := range requirementLine.FindAllStringSubmatch(head, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

func firstClause(s string) string {
	if i := strings.IndexAny(s, ".;("); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
