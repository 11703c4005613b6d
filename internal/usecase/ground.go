package usecase

import (
	"strings"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// Grounder validates that every evidence claim in a personalization resolves
// to a real bullet or proof in the profile. A claim whose id is unknown gets
// one fallback chance: if its rationale text is contained in some bullet, the
// claim is re-pointed at that bullet. Anything else stays ungrounded.
type Grounder struct{}

// Ground mutates the claims in place and returns (grounded, total).
func (Grounder) Ground(profile domain.Profile, p *domain.Personalization) (int, int) {
	grounded := 0
	for i := range p.EvidenceMap {
		c := &p.EvidenceMap[i]
		if _, ok := profile.EvidenceByID(c.EvidenceID); ok {
			c.Grounded = true
			c.MatchedBy = "id"
			grounded++
			continue
		}
		if b, ok := bulletContaining(profile, c.Rationale); ok {
			c.EvidenceID = b.ID
			c.Grounded = true
			c.MatchedBy = "text"
			grounded++
			continue
		}
		c.Grounded = false
		c.MatchedBy = ""
	}
	return grounded, len(p.EvidenceMap)
}

// bulletContaining finds a bullet whose text contains the claim's rationale,
// case-insensitively. Very short rationales are rejected to avoid accidental
// matches.
func bulletContaining(profile domain.Profile, rationale string) (domain.Bullet, bool) {
	needle := strings.ToLower(strings.TrimSpace(rationale))
	if len(needle) < 10 {
		return domain.Bullet{}, false
	}
	for _, b := range profile.Bullets {
		if strings.Contains(strings.ToLower(b.Text), needle) {
			return b, true
		}
	}
	return domain.Bullet{}, false
}
