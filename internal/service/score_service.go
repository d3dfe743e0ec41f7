package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"yahtzee/internal/database"
	"yahtzee/internal/models"
	"yahtzee/internal/repository"
)

// DefaultHighScores is how many entries HighScores returns by default.
const DefaultHighScores = 10

// GameDetail is a game with every scoresheet submitted for it, best first.
type GameDetail struct {
	models.Game
	Scores []models.ScoreEntry `json:"scores"`
}

// ScoreService records and reports Yahtzee results
type ScoreService struct {
	db    *database.DB
	games *repository.GameRepository
	users *repository.UserRepository
}

// NewScoreService creates a new score service
func NewScoreService(db *database.DB) *ScoreService {
	return &ScoreService{
		db:    db,
		games: repository.NewGameRepository(db),
		users: repository.NewUserRepository(db),
	}
}

// StartGame creates a new game that players can submit scores against.
func (s *ScoreService) StartGame(ctx context.Context) (*models.Game, error) {
	game, err := s.games.CreateGame(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("game_id", game.ID).Msg("game started")
	return game, nil
}

// SubmitScore validates a scoresheet, derives its totals and stores it.
// Each user may submit once per game.
func (s *ScoreService) SubmitScore(ctx context.Context, userID, gameID int64, scores models.CategoryScores) (*models.Scoresheet, error) {
	if err := scores.Validate(); err != nil {
		return nil, err
	}

	sheet := &models.Scoresheet{
		UserID:         userID,
		GameID:         gameID,
		CategoryScores: scores,
		Totals:         scores.Compute(),
	}

	err := database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		user, err := repository.NewUserRepository(tx).GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return &NotFoundError{Entity: "user", ID: userID}
		}

		games := repository.NewGameRepository(tx)
		game, err := games.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		if game == nil {
			return &NotFoundError{Entity: "game", ID: gameID}
		}

		if err := games.InsertScoresheet(ctx, sheet); err != nil {
			return conflictFromDuplicate(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("user_id", userID).Int64("game_id", gameID).
		Int("grand_total", sheet.GrandTotalScore).Msg("score recorded")
	return sheet, nil
}

// Game returns a game and its scoresheets.
func (s *ScoreService) Game(ctx context.Context, gameID int64) (*GameDetail, error) {
	game, err := s.games.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, &NotFoundError{Entity: "game", ID: gameID}
	}
	scores, err := s.games.ListScoresheetsByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return &GameDetail{Game: *game, Scores: scores}, nil
}

// UserScores returns every scoresheet of a user, newest game first.
func (s *ScoreService) UserScores(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &NotFoundError{Entity: "user", ID: userID}
	}
	return s.games.ListScoresheetsByUser(ctx, userID)
}

// HighScores returns the best n scoresheets across all games.
func (s *ScoreService) HighScores(ctx context.Context, n int) ([]models.ScoreEntry, error) {
	if n <= 0 {
		n = DefaultHighScores
	}
	scores, err := s.games.HighScores(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load high scores: %w", err)
	}
	return scores, nil
}
