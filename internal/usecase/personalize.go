package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const personalizeSystemPrompt = `You are an expert career assistant that tailors job applications.
Strict rules:
1. Use ONLY the achievements, skills, and links provided in the candidate profile.
2. NEVER invent employers, titles, dates, metrics, or technologies.
3. Every claim you make MUST cite the id of one provided bullet or proof.
4. Keep the cover letter under 250 words, professional, specific to the job.
Respond with a single JSON object and nothing else, using this schema:
{
  "summary": "one-paragraph profile summary tailored to the job",
  "selected_bullets": ["bullet ids, most relevant first"],
  "cover_letter": "the cover letter text",
  "requirement_evidence_map": [
    {"requirement": "job requirement", "evidence_id": "cited bullet/proof id", "evidence": "the exact evidence text"}
  ]
}`

// Personalizer produces a tailored summary, bullet selection, cover letter,
// and requirement-to-evidence map for a single job via the chat model. It does
// not validate grounding; that is the Grounder's job.
type Personalizer struct {
	AI        domain.AIClient
	Timeout   time.Duration
	MaxTokens int
}

// NewPersonalizer constructs a Personalizer. Zero timeout means 60s; zero
// maxTokens means 1500.
func NewPersonalizer(ai domain.AIClient, timeout time.Duration, maxTokens int) *Personalizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	return &Personalizer{AI: ai, Timeout: timeout, MaxTokens: maxTokens}
}

// personalizationWire mirrors the JSON the model is asked to emit.
type personalizationWire struct {
	Summary                string   `json:"summary"`
	SelectedBullets        []string `json:"selected_bullets"`
	CoverLetter            string   `json:"cover_letter"`
	RequirementEvidenceMap []struct {
		Requirement string `json:"requirement"`
		EvidenceID  string `json:"evidence_id"`
		Evidence    string `json:"evidence"`
	} `json:"requirement_evidence_map"`
}

// Personalize calls the chat model and parses its JSON response. Any failure
// (provider error, timeout, unparseable or empty output) is permanent for this
// job; the engine records it as personalization_failed without retrying.
func (s *Personalizer) Personalize(ctx domain.Context, profile domain.Profile, job domain.Job) (domain.Personalization, error) {
	cctx, cancel := contextWithTimeout(ctx, s.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.AI.ChatJSON(cctx, personalizeSystemPrompt, buildUserPrompt(profile, job), s.MaxTokens)
	observability.AIRequestDuration.WithLabelValues("chat", "personalize").Observe(time.Since(start).Seconds())
	observability.AIRequestsTotal.WithLabelValues("chat", "personalize").Inc()
	if err != nil {
		return domain.Personalization{}, fmt.Errorf("op=personalize chat: %w", err)
	}

	var wire personalizationWire
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &wire); err != nil {
		return domain.Personalization{}, fmt.Errorf("op=personalize parse response: %w: %s", domain.ErrInvalidArgument, truncate(raw, 120))
	}
	if strings.TrimSpace(wire.CoverLetter) == "" {
		return domain.Personalization{}, fmt.Errorf("op=personalize: empty cover letter: %w", domain.ErrInvalidArgument)
	}

	p := domain.Personalization{
		JobID:           job.ID,
		Summary:         wire.Summary,
		SelectedBullets: wire.SelectedBullets,
		CoverLetter:     wire.CoverLetter,
	}
	for _, c := range wire.RequirementEvidenceMap {
		p.EvidenceMap = append(p.EvidenceMap, domain.EvidenceClaim{
			Requirement: c.Requirement,
			EvidenceID:  c.EvidenceID,
			Rationale:   c.Evidence,
		})
	}
	return p, nil
}

func buildUserPrompt(profile domain.Profile, job domain.Job) string {
	var sb strings.Builder
	sb.WriteString("## Job\n")
	fmt.Fprintf(&sb, "Title: %s\nCompany: %s\nLocation: %s\n", job.Title, job.Company, job.Location)
	if job.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", job.Description)
	}
	if len(job.Requirements) > 0 {
		sb.WriteString("Requirements:\n")
		for _, r := range job.Requirements {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}

	sb.WriteString("\n## Candidate profile\n")
	fmt.Fprintf(&sb, "Name: %s\n", profile.Name)
	if profile.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", profile.Summary)
	}
	if len(profile.Skills) > 0 {
		fmt.Fprintf(&sb, "Skills: %s\n", strings.Join(profile.Skills, ", "))
	}
	sb.WriteString("Achievement bullets (cite by id):\n")
	for _, b := range profile.Bullets {
		fmt.Fprintf(&sb, "- [%s] %s", b.ID, b.Text)
		if b.Source != "" {
			fmt.Fprintf(&sb, " (at %s)", b.Source)
		}
		sb.WriteByte('\n')
	}
	if len(profile.Proofs) > 0 {
		sb.WriteString("Proof links (cite by id):\n")
		for _, pr := range profile.Proofs {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", pr.ID, pr.Title, pr.URL)
		}
	}
	return sb.String()
}

// stripCodeFences removes a surrounding markdown fence so that model output
// like "```json\n{...}\n```" parses cleanly.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func contextWithTimeout(ctx domain.Context, d time.Duration) (domain.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
