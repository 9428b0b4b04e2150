// Package sports maps raw feed documents onto entities with stable dedup keys.
// Keys are kind:source:id; teams without a numeric id key on their folded name
package sports

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"statline/internal/core/normalize"
	perr "statline/internal/platform/errors"
	"statline/internal/services/ingest/domain"
)

// Transformer validates and maps one raw record per call. Safe for
// concurrent use
type Transformer struct {
	validate *validator.Validate
	norm     *normalize.Normalizer
}

// New constructs a Transformer
func New() *Transformer {
	return &Transformer{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		norm:     normalize.New(),
	}
}

type teamPayload struct {
	ID         int64  `json:"id"`
	FullName   string `json:"full_name" validate:"required"`
	Abbrev     string `json:"abbreviation"`
	City       string `json:"city"`
	Conference string `json:"conference"`
	Division   string `json:"division"`
}

type teamRef struct {
	ID int64 `json:"id" validate:"required,gt=0"`
}

type playerPayload struct {
	ID        int64   `json:"id" validate:"required,gt=0"`
	FirstName string  `json:"first_name" validate:"required"`
	LastName  string  `json:"last_name" validate:"required"`
	Position  string  `json:"position"`
	Team      teamRef `json:"team"`
}

type gamePayload struct {
	ID           int64   `json:"id" validate:"required,gt=0"`
	Date         string  `json:"date" validate:"required"`
	Season       int     `json:"season"`
	Status       string  `json:"status"`
	HomeTeam     teamRef `json:"home_team"`
	VisitorTeam  teamRef `json:"visitor_team"`
	HomeScore    int     `json:"home_team_score" validate:"min=0"`
	VisitorScore int     `json:"visitor_team_score" validate:"min=0"`
}

type statPayload struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Points   int    `json:"pts" validate:"min=0"`
	Rebounds int    `json:"reb" validate:"min=0"`
	Assists  int    `json:"ast" validate:"min=0"`
	Minutes  string `json:"min"`
	Player   struct {
		ID int64 `json:"id" validate:"required,gt=0"`
	} `json:"player"`
	Game struct {
		ID int64 `json:"id" validate:"required,gt=0"`
	} `json:"game"`
	Team teamRef `json:"team"`
}

// Transform implements domain.Transformer
func (t *Transformer) Transform(raw domain.RawRecord) (domain.Entity, string, error) {
	switch raw.Kind {
	case domain.KindTeam:
		return t.team(raw)
	case domain.KindPlayer:
		return t.player(raw)
	case domain.KindGame:
		return t.game(raw)
	case domain.KindStat:
		return t.stat(raw)
	}
	return domain.Entity{}, "", perr.InvalidArgf("no mapping for kind %q", raw.Kind)
}

func (t *Transformer) decode(raw domain.RawRecord, into any) error {
	if err := json.Unmarshal(raw.Payload, into); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeValidation, "%s payload decode failed", raw.Kind)
	}
	if err := t.validate.Struct(into); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeValidation, "%s payload invalid", raw.Kind)
	}
	return nil
}

func (t *Transformer) team(raw domain.RawRecord) (domain.Entity, string, error) {
	var p teamPayload
	if err := t.decode(raw, &p); err != nil {
		return domain.Entity{}, "", err
	}
	name := t.norm.Normalize(p.FullName)
	var key string
	if p.ID > 0 {
		key = fmt.Sprintf("team:%s:%d", raw.Source, p.ID)
	} else {
		// some feeds omit team ids; the folded name is the stable identity
		key = fmt.Sprintf("team:%s:%s", raw.Source, name)
	}
	return domain.Entity{
		Key:    key,
		Kind:   domain.KindTeam,
		Source: raw.Source,
		Fields: map[string]any{
			"external_id": p.ID,
			"name":        name,
			"full_name":   p.FullName,
			"abbrev":      p.Abbrev,
			"city":        p.City,
			"conference":  p.Conference,
			"division":    p.Division,
		},
	}, key, nil
}

func (t *Transformer) player(raw domain.RawRecord) (domain.Entity, string, error) {
	var p playerPayload
	if err := t.decode(raw, &p); err != nil {
		return domain.Entity{}, "", err
	}
	key := fmt.Sprintf("player:%s:%d", raw.Source, p.ID)
	return domain.Entity{
		Key:    key,
		Kind:   domain.KindPlayer,
		Source: raw.Source,
		Fields: map[string]any{
			"external_id": p.ID,
			"name":        t.norm.Normalize(p.FirstName + " " + p.LastName),
			"first_name":  p.FirstName,
			"last_name":   p.LastName,
			"position":    p.Position,
			"team_id":     p.Team.ID,
		},
	}, key, nil
}

func (t *Transformer) game(raw domain.RawRecord) (domain.Entity, string, error) {
	var p gamePayload
	if err := t.decode(raw, &p); err != nil {
		return domain.Entity{}, "", err
	}
	key := fmt.Sprintf("game:%s:%d", raw.Source, p.ID)
	return domain.Entity{
		Key:    key,
		Kind:   domain.KindGame,
		Source: raw.Source,
		Fields: map[string]any{
			"external_id":   p.ID,
			"date":          p.Date,
			"season":        p.Season,
			"status":        p.Status,
			"home_team":     p.HomeTeam.ID,
			"visitor_team":  p.VisitorTeam.ID,
			"home_score":    p.HomeScore,
			"visitor_score": p.VisitorScore,
		},
	}, key, nil
}

func (t *Transformer) stat(raw domain.RawRecord) (domain.Entity, string, error) {
	var p statPayload
	if err := t.decode(raw, &p); err != nil {
		return domain.Entity{}, "", err
	}
	key := fmt.Sprintf("stat:%s:%d", raw.Source, p.ID)
	return domain.Entity{
		Key:    key,
		Kind:   domain.KindStat,
		Source: raw.Source,
		Fields: map[string]any{
			"external_id": p.ID,
			"player_id":   p.Player.ID,
			"game_id":     p.Game.ID,
			"team_id":     p.Team.ID,
			"points":      p.Points,
			"rebounds":    p.Rebounds,
			"assists":     p.Assists,
			"minutes":     p.Minutes,
		},
	}, key, nil
}
