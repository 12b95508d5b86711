package main

import (
	"time"

	"github.com/liamcoop/rulesadapter/evaluation"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/situation"
)

// API request and response models

// CreateRulesetRequest represents the request body for creating a ruleset
type CreateRulesetRequest struct {
	Name string `json:"name"`
}

// RulesetResponse represents a ruleset in API responses
type RulesetResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Rules     *int      `json:"rules,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newRulesetResponse(info *rules.RulesetInfo) RulesetResponse {
	return RulesetResponse{
		ID:        info.ID,
		Name:      info.Name,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
}

// RuleRequest represents the request body for creating or updating a rule.
// Active defaults to true.
type RuleRequest struct {
	Name            string `json:"name"`
	Title           string `json:"title,omitempty"`
	Description     string `json:"description,omitempty"`
	Unit            string `json:"unit,omitempty"`
	Formula         string `json:"formula,omitempty"`
	Question        string `json:"question,omitempty"`
	Default         string `json:"default,omitempty"`
	ApplicableIf    string `json:"applicableIf,omitempty"`
	NotApplicableIf string `json:"notApplicableIf,omitempty"`
	Active          *bool  `json:"active,omitempty"`
}

func (req RuleRequest) rule(id string) *rules.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.Rule{
		ID:              id,
		Name:            rules.Normalize(req.Name),
		Title:           req.Title,
		Description:     req.Description,
		Unit:            req.Unit,
		Formula:         req.Formula,
		Question:        req.Question,
		Default:         req.Default,
		ApplicableIf:    req.ApplicableIf,
		NotApplicableIf: req.NotApplicableIf,
		Active:          active,
	}
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	Unit            string    `json:"unit,omitempty"`
	Formula         string    `json:"formula,omitempty"`
	Question        string    `json:"question,omitempty"`
	Default         string    `json:"default,omitempty"`
	ApplicableIf    string    `json:"applicableIf,omitempty"`
	NotApplicableIf string    `json:"notApplicableIf,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func newRuleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:              r.ID,
		Name:            r.Name,
		Title:           r.Title,
		Description:     r.Description,
		Unit:            r.Unit,
		Formula:         r.Formula,
		Question:        r.Question,
		Default:         r.Default,
		ApplicableIf:    r.ApplicableIf,
		NotApplicableIf: r.NotApplicableIf,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// OpenSessionRequest represents the request body for opening a session.
// An empty SessionID gets a generated one.
type OpenSessionRequest struct {
	RulesetID string `json:"rulesetId"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionResponse represents an open session
type SessionResponse struct {
	ID        string              `json:"id"`
	RulesetID string              `json:"rulesetId"`
	Situation situation.Situation `json:"situation"`
}

// SituationResponse is returned by situation reads and updates. Rejected
// lists the entries that were dropped.
type SituationResponse struct {
	Situation situation.Situation  `json:"situation"`
	Rejected  []situation.Rejection `json:"rejected"`
}

// AnswerRequest represents the request body for answering one question
type AnswerRequest struct {
	Rule  string          `json:"rule"`
	Value situation.Value `json:"value"`
}

// EvaluateRequest represents the request body for evaluating rules
type EvaluateRequest struct {
	Rules []string `json:"rules"`
}

// EvaluateResponse represents the response for rule evaluation
type EvaluateResponse struct {
	Rules          evaluation.BatchResult `json:"rules"`
	EvaluationTime string                 `json:"evaluationTime"`
}

// ImportResponse is returned by a YAML import
type ImportResponse struct {
	Imported int `json:"imported"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string `json:"status"`
	RulesetsLoaded int    `json:"rulesetsLoaded"`
	Sessions       int    `json:"sessions"`
	Error          string `json:"error,omitempty"`
}
