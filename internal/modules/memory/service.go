package memory

import (
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/harness"
)

const (
	recentDecisionCount = 5
	experienceCount     = 3
)

// Service assembles memory summaries for prompt assembly and records
// new memories from decisions and reflections.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "memory").Logger(),
	}
}

// Summary builds the memory block included in decision prompts: the most
// recent decisions, the latest reflection, and a handful of experiences.
func (s *Service) Summary(userID string) (harness.MemorySummary, error) {
	var summary harness.MemorySummary

	decisions, err := s.repo.Read(userID, CategoryDecision, recentDecisionCount)
	if err != nil {
		return summary, err
	}
	for _, d := range decisions {
		summary.RecentDecisions = append(summary.RecentDecisions, harness.MemoryEntry{Content: d.Content})
	}

	reflection, err := s.repo.Latest(userID, CategoryReflection)
	if err != nil {
		return summary, err
	}
	if reflection != nil {
		summary.RecentReflection = &harness.MemoryEntry{Content: reflection.Content}
	}

	experiences, err := s.repo.Read(userID, CategoryExperience, experienceCount)
	if err != nil {
		return summary, err
	}
	for _, e := range experiences {
		summary.Experiences = append(summary.Experiences, harness.MemoryEntry{Content: e.Content})
	}

	return summary, nil
}

// RecordDecision stores a decision memory
func (s *Service) RecordDecision(userID, content string, metadata map[string]interface{}) (string, error) {
	return s.repo.Write(userID, CategoryDecision, content, metadata)
}

// RecordReflection stores a reflection memory
func (s *Service) RecordReflection(userID, content string, metadata map[string]interface{}) (string, error) {
	return s.repo.Write(userID, CategoryReflection, content, metadata)
}

// RecordExperience stores an experience memory
func (s *Service) RecordExperience(userID, content string, metadata map[string]interface{}) (string, error) {
	return s.repo.Write(userID, CategoryExperience, content, metadata)
}

// List returns raw memories for API consumers
func (s *Service) List(userID, category string, limit int) ([]Memory, error) {
	return s.repo.Read(userID, category, limit)
}
