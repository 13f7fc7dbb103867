package scoring

import (
	"github.com/rs/zerolog"
)

// Service applies score events. Not idempotent: each participation or
// adoption event must be reported exactly once, double-calling double-counts.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new score service
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "scoring").Logger(),
	}
}

// OnParticipation records one successful arena invocation for the model
func (s *Service) OnParticipation(provider, model, promptVersionID string) error {
	score, err := s.repo.upsert(provider, model, promptVersionID, 1, 0)
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("provider", provider).
		Str("model", model).
		Int("participation", score.ParticipationCount).
		Msg("Participation recorded")
	return nil
}

// OnAdoption records one human adoption of the model's recommendation and
// recomputes the adoption-weighted score.
func (s *Service) OnAdoption(provider, model, promptVersionID string) error {
	score, err := s.repo.upsert(provider, model, promptVersionID, 0, 1)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("provider", provider).
		Str("model", model).
		Int("adoptions", score.AdoptionCount).
		Float64("score", score.Score).
		Msg("Adoption recorded")
	return nil
}

// Leaderboard returns the ranked model scores
func (s *Service) Leaderboard(promptVersionID string) ([]*ModelScore, error) {
	return s.repo.Leaderboard(promptVersionID)
}
