// Package usecase contains the application services of the job-application
// agent: ranking, policy gating, evidence grounding, personalization, the
// retry executor, and the workflow engine that orchestrates them.
package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const (
	semanticWeight = 0.7
	coverageWeight = 0.3
	maxReasons     = 3
)

// Ranker scores and orders candidate jobs by a hybrid of semantic similarity
// and requirement coverage. Policy checks (blocked companies, thresholds) are
// NOT applied here; the gate handles them per job so every disqualified job
// still produces a recorded skip with its reason.
type Ranker struct {
	AI domain.AIClient
}

// NewRanker constructs a Ranker backed by the given embedding provider.
func NewRanker(ai domain.AIClient) *Ranker { return &Ranker{AI: ai} }

// Rank returns the apply queue: matches ordered by descending score with a
// stable lexicographic tie-break on job id.
func (r *Ranker) Rank(ctx domain.Context, profile domain.Profile, jobs []domain.Job) []domain.Match {
	if len(jobs) == 0 {
		return nil
	}

	semantic := r.semanticScores(ctx, profile, jobs)
	evidence := tokenSet(profile.EvidenceText())

	matches := make([]domain.Match, 0, len(jobs))
	for i, j := range jobs {
		covered := coveredRequirements(j.Requirements, evidence)
		coverage := 0.0
		if len(j.Requirements) > 0 {
			coverage = float64(len(covered)) / float64(len(j.Requirements))
		}
		var score float64
		if semantic == nil {
			// Embedding provider unavailable: degrade to coverage-only.
			score = coverage * 100
		} else {
			score = semanticWeight*semantic[i] + coverageWeight*coverage*100
		}
		score = clamp(score, 0, 100)
		observability.MatchScoreHistogram.Observe(score)

		reasons := make([]string, 0, maxReasons)
		for _, req := range covered {
			if len(reasons) == maxReasons {
				break
			}
			reasons = append(reasons, fmt.Sprintf("matches requirement: %s", truncate(req, 60)))
		}
		if len(reasons) < maxReasons && j.Remote {
			reasons = append(reasons, "remote position")
		}
		matches = append(matches, domain.Match{JobID: j.ID, Score: score, Reasons: reasons})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].JobID < matches[b].JobID
	})
	return matches
}

// semanticScores embeds the profile summary and each job description and
// returns per-job similarity rescaled to [0,100]. Returns nil when the
// embedder is unavailable so callers can degrade to coverage-only scoring.
func (r *Ranker) semanticScores(ctx domain.Context, profile domain.Profile, jobs []domain.Job) []float64 {
	if r.AI == nil {
		return nil
	}
	texts := make([]string, 0, len(jobs)+1)
	texts = append(texts, profileText(profile))
	for _, j := range jobs {
		texts = append(texts, j.Title+"\n"+j.Description)
	}
	vecs, err := r.AI.Embed(ctx, texts)
	if err != nil || len(vecs) != len(jobs)+1 {
		slog.Warn("embedding failed; ranking on requirement coverage only", slog.Any("error", err))
		return nil
	}
	out := make([]float64, len(jobs))
	for i := range jobs {
		cos := cosine(vecs[0], vecs[i+1])
		out[i] = (cos + 1) / 2 * 100
	}
	return out
}

func profileText(p domain.Profile) string {
	var sb strings.Builder
	sb.WriteString(p.Summary)
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(p.Skills, ", "))
	for _, b := range p.Bullets {
		sb.WriteByte('\n')
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// coveredRequirements returns the requirements sharing at least one
// significant token with the profile evidence.
func coveredRequirements(reqs []string, evidence map[string]struct{}) []string {
	var covered []string
	for _, req := range reqs {
		for tok := range tokenSet(req) {
			if _, ok := evidence[tok]; ok {
				covered = append(covered, req)
				break
			}
		}
	}
	return covered
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "you": {}, "our": {},
	"are": {}, "will": {}, "have": {}, "has": {}, "this": {}, "that": {},
	"experience": {}, "years": {}, "strong": {}, "knowledge": {}, "ability": {},
}

// tokenSet lowercases and splits on non-alphanumerics, dropping short tokens
// and stopwords.
func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	tok := strings.Builder{}
	flush := func() {
		if tok.Len() >= 2 {
			w := tok.String()
			if _, stop := stopwords[w]; !stop {
				out[w] = struct{}{}
			}
		}
		tok.Reset()
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '#' {
			tok.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
