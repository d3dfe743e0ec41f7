package models

import (
	"fmt"
	"time"
)

// Scoring constants for the upper section bonus.
const (
	UpperBonusThreshold = 63
	UpperBonus          = 35
	YahtzeeScore        = 50
	YahtzeeBonusUnit    = 100
	// A game has 13 turns, so at most 12 extra Yahtzees can earn a bonus.
	MaxYahtzeeBonus = 12 * YahtzeeBonusUnit
)

// Game is one Yahtzee session that players submit scoresheets against.
type Game struct {
	ID        int64     `json:"game_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CategoryScores holds the raw points a player entered in each box.
type CategoryScores struct {
	Ones          int `json:"ones"`
	Twos          int `json:"twos"`
	Threes        int `json:"threes"`
	Fours         int `json:"fours"`
	Fives         int `json:"fives"`
	Sixes         int `json:"sixes"`
	ThreeOfAKind  int `json:"three_of_a_kind"`
	FourOfAKind   int `json:"four_of_a_kind"`
	FullHouse     int `json:"full_house"`
	SmallStraight int `json:"small_straight"`
	LargeStraight int `json:"large_straight"`
	Yahtzee       int `json:"yahtzee"`
	Chance        int `json:"chance"`
	YahtzeeBonus  int `json:"yahtzee_bonus"`
}

// Totals are the fields derived from CategoryScores. They are never
// accepted from callers.
type Totals struct {
	TopScore           int `json:"top_score"`
	TopBonusScore      int `json:"top_bonus_score"`
	TopBonusScoreDelta int `json:"top_bonus_score_delta"`
	TotalTopScore      int `json:"total_top_score"`
	TotalBottomScore   int `json:"total_bottom_score"`
	GrandTotalScore    int `json:"grand_total_score"`
}

// Scoresheet is a player's immutable result for one game.
type Scoresheet struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`
	GameID int64 `json:"game_id"`
	CategoryScores
	Totals
	CreatedAt time.Time `json:"created_at"`
}

// ScoreEntry is a scoresheet joined with the player's display fields.
type ScoreEntry struct {
	Scoresheet
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// InvalidScoreError reports a category value outside the game rules.
type InvalidScoreError struct {
	Category string
	Value    int
}

func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("invalid score %d for %s", e.Value, e.Category)
}

type categoryRule struct {
	name  string
	value func(c *CategoryScores) int
	valid func(c *CategoryScores, v int) bool
}

func upper(face int) func(*CategoryScores, int) bool {
	return func(_ *CategoryScores, v int) bool {
		return v >= 0 && v <= 5*face && v%face == 0
	}
}

// diceSum covers boxes scored as the sum of all five dice.
func diceSum(_ *CategoryScores, v int) bool {
	return v == 0 || (v >= 5 && v <= 30)
}

func fixed(points int) func(*CategoryScores, int) bool {
	return func(_ *CategoryScores, v int) bool {
		return v == 0 || v == points
	}
}

func yahtzeeBonus(c *CategoryScores, v int) bool {
	if v == 0 {
		return true
	}
	return c.Yahtzee == YahtzeeScore && v > 0 && v <= MaxYahtzeeBonus && v%YahtzeeBonusUnit == 0
}

var categoryRules = []categoryRule{
	{"ones", func(c *CategoryScores) int { return c.Ones }, upper(1)},
	{"twos", func(c *CategoryScores) int { return c.Twos }, upper(2)},
	{"threes", func(c *CategoryScores) int { return c.Threes }, upper(3)},
	{"fours", func(c *CategoryScores) int { return c.Fours }, upper(4)},
	{"fives", func(c *CategoryScores) int { return c.Fives }, upper(5)},
	{"sixes", func(c *CategoryScores) int { return c.Sixes }, upper(6)},
	{"three_of_a_kind", func(c *CategoryScores) int { return c.ThreeOfAKind }, diceSum},
	{"four_of_a_kind", func(c *CategoryScores) int { return c.FourOfAKind }, diceSum},
	{"full_house", func(c *CategoryScores) int { return c.FullHouse }, fixed(25)},
	{"small_straight", func(c *CategoryScores) int { return c.SmallStraight }, fixed(30)},
	{"large_straight", func(c *CategoryScores) int { return c.LargeStraight }, fixed(40)},
	{"yahtzee", func(c *CategoryScores) int { return c.Yahtzee }, fixed(YahtzeeScore)},
	{"chance", func(c *CategoryScores) int { return c.Chance }, diceSum},
	{"yahtzee_bonus", func(c *CategoryScores) int { return c.YahtzeeBonus }, yahtzeeBonus},
}

// Categories lists the box names in scoresheet order.
func Categories() []string {
	names := make([]string, len(categoryRules))
	for i, r := range categoryRules {
		names[i] = r.name
	}
	return names
}

// Validate returns an *InvalidScoreError for the first box, in scoresheet
// order, whose value the rules do not allow.
func (c *CategoryScores) Validate() error {
	for _, r := range categoryRules {
		v := r.value(c)
		if !r.valid(c, v) {
			return &InvalidScoreError{Category: r.name, Value: v}
		}
	}
	return nil
}

// Set assigns a box by its scoresheet name.
func (c *CategoryScores) Set(category string, v int) bool {
	ptrs := map[string]*int{
		"ones": &c.Ones, "twos": &c.Twos, "threes": &c.Threes,
		"fours": &c.Fours, "fives": &c.Fives, "sixes": &c.Sixes,
		"three_of_a_kind": &c.ThreeOfAKind, "four_of_a_kind": &c.FourOfAKind,
		"full_house": &c.FullHouse, "small_straight": &c.SmallStraight,
		"large_straight": &c.LargeStraight, "yahtzee": &c.Yahtzee,
		"chance": &c.Chance, "yahtzee_bonus": &c.YahtzeeBonus,
	}
	p, ok := ptrs[category]
	if ok {
		*p = v
	}
	return ok
}

// Compute derives the section totals.
func (c *CategoryScores) Compute() Totals {
	top := c.Ones + c.Twos + c.Threes + c.Fours + c.Fives + c.Sixes

	var t Totals
	t.TopScore = top
	if top >= UpperBonusThreshold {
		t.TopBonusScore = UpperBonus
	} else {
		t.TopBonusScoreDelta = UpperBonusThreshold - top
	}
	t.TotalTopScore = top + t.TopBonusScore
	t.TotalBottomScore = c.ThreeOfAKind + c.FourOfAKind + c.FullHouse +
		c.SmallStraight + c.LargeStraight + c.Yahtzee + c.Chance + c.YahtzeeBonus
	t.GrandTotalScore = t.TotalTopScore + t.TotalBottomScore
	return t
}
