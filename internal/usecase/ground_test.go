package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
	"github.com/fairyhunter13/ai-apply-agent/internal/usecase"
)

func TestGrounder_IDMatch(t *testing.T) {
	t.Parallel()
	p := domain.Personalization{EvidenceMap: []domain.EvidenceClaim{
		{Requirement: "Go", EvidenceID: "b1"},
		{Requirement: "portfolio", EvidenceID: "p1"},
	}}
	grounded, total := usecase.Grounder{}.Ground(testProfile(), &p)
	assert.Equal(t, 2, grounded)
	assert.Equal(t, 2, total)
	assert.Equal(t, "id", p.EvidenceMap[0].MatchedBy)
	assert.Equal(t, "id", p.EvidenceMap[1].MatchedBy)
}

func TestGrounder_TextFallbackReassignsID(t *testing.T) {
	t.Parallel()
	p := domain.Personalization{EvidenceMap: []domain.EvidenceClaim{
		{Requirement: "Go", EvidenceID: "hallucinated-7", Rationale: "Built Go microservices"},
	}}
	grounded, total := usecase.Grounder{}.Ground(testProfile(), &p)
	assert.Equal(t, 1, grounded)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b1", p.EvidenceMap[0].EvidenceID)
	assert.Equal(t, "text", p.EvidenceMap[0].MatchedBy)
	assert.True(t, p.EvidenceMap[0].Grounded)
}

func TestGrounder_UnknownClaimStaysUngrounded(t *testing.T) {
	t.Parallel()
	p := domain.Personalization{EvidenceMap: []domain.EvidenceClaim{
		{Requirement: "Rust", EvidenceID: "nope", Rationale: "Ten years of Rust at scale"},
		{Requirement: "Go", EvidenceID: "nope2", Rationale: "short"},
	}}
	grounded, total := usecase.Grounder{}.Ground(testProfile(), &p)
	assert.Equal(t, 0, grounded)
	assert.Equal(t, 2, total)
	assert.False(t, p.EvidenceMap[0].Grounded)
	assert.False(t, p.EvidenceMap[1].Grounded)
}

func TestGrounder_EmptyMap(t *testing.T) {
	t.Parallel()
	p := domain.Personalization{}
	grounded, total := usecase.Grounder{}.Ground(testProfile(), &p)
	assert.Zero(t, grounded)
	assert.Zero(t, total)
}
