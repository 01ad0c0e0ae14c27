package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"sketchline/internal/domain"
)

// Skip reasons returned by the gateway for deliveries that are valid but not
// actionable. They are terminal and nothing is persisted for them.
var (
	ErrIgnoredEvent  = errors.New("ignored event")
	ErrIgnoredAction = errors.New("ignored action")
)

// Gateway filters provider deliveries down to actionable pull-request events.
type Gateway struct {
	Event   string
	Actions []string
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// Accept parses a verified delivery. eventType is the provider event header.
// It returns ErrIgnoredEvent / ErrIgnoredAction for deliveries the pipeline
// does not react to and a parse error for malformed actionable payloads.
func (g Gateway) Accept(eventType string, body []byte) (domain.InboundEvent, error) {
	if eventType != g.Event {
		return domain.InboundEvent{}, ErrIgnoredEvent
	}
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("parse payload: %w", err)
	}
	if !g.actionable(payload.Action) {
		return domain.InboundEvent{}, ErrIgnoredAction
	}
	number := payload.PullRequest.Number
	if number == 0 {
		number = payload.Number
	}
	evt := domain.InboundEvent{
		AccountID:   payload.Installation.ID,
		RepoID:      payload.Repository.ID,
		RepoName:    payload.Repository.FullName,
		Number:      number,
		HeadSHA:     payload.PullRequest.Head.SHA,
		Action:      payload.Action,
		Title:       payload.PullRequest.Title,
		Description: payload.PullRequest.Body,
	}
	if evt.AccountID == 0 {
		return domain.InboundEvent{}, errors.New("payload missing installation id")
	}
	if evt.RepoID == 0 || evt.RepoName == "" {
		return domain.InboundEvent{}, errors.New("payload missing repository")
	}
	if evt.Number == 0 {
		return domain.InboundEvent{}, errors.New("payload missing pull request number")
	}
	if evt.HeadSHA == "" {
		return domain.InboundEvent{}, errors.New("payload missing head sha")
	}
	return evt, nil
}

func (g Gateway) actionable(action string) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}
