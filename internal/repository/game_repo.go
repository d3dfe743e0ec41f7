package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"yahtzee/internal/database"
	"yahtzee/internal/models"
)

const scoresheetColumns = `ug.id, ug.user_id, ug.game_id,
	ug.ones, ug.twos, ug.threes, ug.fours, ug.fives, ug.sixes,
	ug.three_of_a_kind, ug.four_of_a_kind, ug.full_house, ug.small_straight,
	ug.large_straight, ug.yahtzee, ug.chance, ug.yahtzee_bonus,
	ug.top_score, ug.top_bonus_score, ug.top_bonus_score_delta,
	ug.total_top_score, ug.total_bottom_score, ug.grand_total_score, ug.created_at,
	u.username, u.first_name, u.last_name`

// GameRepository stores games and the scoresheets submitted for them
type GameRepository struct {
	db database.DBTX
}

// NewGameRepository creates a new game repository
func NewGameRepository(db database.DBTX) *GameRepository {
	return &GameRepository{db: db}
}

// CreateGame inserts an empty game
func (r *GameRepository) CreateGame(ctx context.Context) (*models.Game, error) {
	ts := now()
	id, err := r.db.ExecReturningID(ctx, "game_id", "INSERT INTO game (created_at) VALUES (?)", ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return &models.Game{ID: id, CreatedAt: ts}, nil
}

// GetGame retrieves a game by ID
func (r *GameRepository) GetGame(ctx context.Context, id int64) (*models.Game, error) {
	game := &models.Game{}
	err := r.db.QueryRowContext(ctx, "SELECT game_id, created_at FROM game WHERE game_id = ?", id).
		Scan(&game.ID, &game.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	return game, nil
}

// InsertScoresheet stores a completed scoresheet. A second sheet for the same
// user and game yields *DuplicateError{Field: "game"}.
func (r *GameRepository) InsertScoresheet(ctx context.Context, s *models.Scoresheet) error {
	ts := now()
	c, t := s.CategoryScores, s.Totals

	query := `
		INSERT INTO users_games (
			user_id, game_id,
			ones, twos, threes, fours, fives, sixes,
			three_of_a_kind, four_of_a_kind, full_house, small_straight,
			large_straight, yahtzee, chance, yahtzee_bonus,
			top_score, top_bonus_score, top_bonus_score_delta,
			total_top_score, total_bottom_score, grand_total_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	id, err := r.db.ExecReturningID(ctx, "id", query,
		s.UserID, s.GameID,
		c.Ones, c.Twos, c.Threes, c.Fours, c.Fives, c.Sixes,
		c.ThreeOfAKind, c.FourOfAKind, c.FullHouse, c.SmallStraight,
		c.LargeStraight, c.Yahtzee, c.Chance, c.YahtzeeBonus,
		t.TopScore, t.TopBonusScore, t.TopBonusScoreDelta,
		t.TotalTopScore, t.TotalBottomScore, t.GrandTotalScore, ts)
	if err != nil {
		if _, ok := r.db.GetDialect().UniqueViolation(err); ok {
			return &DuplicateError{Field: "game"}
		}
		return fmt.Errorf("failed to insert scoresheet: %w", err)
	}

	s.ID = id
	s.CreatedAt = ts
	return nil
}

func (r *GameRepository) listEntries(ctx context.Context, where, order string, args ...any) ([]models.ScoreEntry, error) {
	query := `SELECT ` + scoresheetColumns + `
		FROM users_games ug
		JOIN "user" u ON u.user_id = ug.user_id
		` + where + ` ORDER BY ` + order
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoresheets: %w", err)
	}
	defer rows.Close()

	entries := []models.ScoreEntry{}
	for rows.Next() {
		var e models.ScoreEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.GameID,
			&e.Ones, &e.Twos, &e.Threes, &e.Fours, &e.Fives, &e.Sixes,
			&e.ThreeOfAKind, &e.FourOfAKind, &e.FullHouse, &e.SmallStraight,
			&e.LargeStraight, &e.Yahtzee, &e.Chance, &e.YahtzeeBonus,
			&e.TopScore, &e.TopBonusScore, &e.TopBonusScoreDelta,
			&e.TotalTopScore, &e.TotalBottomScore, &e.GrandTotalScore, &e.CreatedAt,
			&e.Username, &e.FirstName, &e.LastName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scoresheet: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scoresheets: %w", err)
	}
	return entries, nil
}

// ListScoresheetsByGame returns a game's sheets, best score first.
func (r *GameRepository) ListScoresheetsByGame(ctx context.Context, gameID int64) ([]models.ScoreEntry, error) {
	return r.listEntries(ctx, "WHERE ug.game_id = ?", "ug.grand_total_score DESC, ug.id", gameID)
}

// ListScoresheetsByUser returns a player's sheets, newest game first.
func (r *GameRepository) ListScoresheetsByUser(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	return r.listEntries(ctx, "WHERE ug.user_id = ?", "ug.game_id DESC", userID)
}

// HighScores returns the best limit sheets across all games.
func (r *GameRepository) HighScores(ctx context.Context, limit int) ([]models.ScoreEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.listEntries(ctx, "", "ug.grand_total_score DESC, ug.id LIMIT "+strconv.Itoa(limit))
}
