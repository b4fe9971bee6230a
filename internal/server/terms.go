package server

import (
	"context"
	_ "embed"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

//go:embed terms.md
var defaultTermsContent string

// Terms is the published terms of use document.
type Terms struct {
	Version     string `json:"version" example:"1.0"`
	Content     string `json:"content"`
	LastUpdated string `json:"last_updated" example:"2025-01-17"`
}

func (t Terms) withDefaults() Terms {
	if t.Version == "" {
		t.Version = "1.0"
	}
	if t.Content == "" {
		t.Content = defaultTermsContent
	}
	return t
}

func registerTerms(api huma.API, terms Terms) {
	huma.Register(api, huma.Operation{
		OperationID: "get-terms",
		Method:      http.MethodGet,
		Path:        "/users/terms",
		Summary:     "Terms of use, readable without authentication",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Terms `json:"body"`
	}, error) {
		return &struct {
			Body Terms `json:"body"`
		}{Body: terms}, nil
	})
}
