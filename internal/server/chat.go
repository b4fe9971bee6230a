package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ideafactory/internal/domain"
	"ideafactory/internal/engine/auth"
	"ideafactory/internal/vetting"
)

type conversationPath struct {
	ConversationID string `path:"conversation_id"`
}

func (d deps) vettingService() (*vetting.Service, error) {
	if d.vetting == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "vetting_unavailable", "vetting chat is not configured", nil)
	}
	return d.vetting, nil
}

func registerVetting(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "vetting-chat",
		Method:      http.MethodPost,
		Path:        "/chat/vetting",
		Summary:     "Refine an idea in conversation; ready ideas are submitted",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body VettingMessageRequest `json:"body"`
	}) (*struct {
		Body vetting.Reply `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := d.users.RequireTerms(p.User, auth.PermIdeaSubmit); err != nil {
			return nil, handleError(err)
		}
		svc, err := d.vettingService()
		if err != nil {
			return nil, err
		}
		reply, err := svc.Send(ctx, p.User.ID, input.Body.ConversationID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body vetting.Reply `json:"body"`
		}{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-vetting-conversation",
		Method:      http.MethodGet,
		Path:        "/chat/vetting/{conversation_id}",
		Summary:     "Vetting conversation history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *conversationPath) (*struct {
		Body domain.VettingConversation `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermIdeaRead)
		if err != nil {
			return nil, handleError(err)
		}
		svc, err := d.vettingService()
		if err != nil {
			return nil, err
		}
		conv, err := svc.Get(ctx, u.ID, input.ConversationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VettingConversation `json:"body"`
		}{Body: conv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-vetting-conversation",
		Method:      http.MethodDelete,
		Path:        "/chat/vetting/{conversation_id}",
		Summary:     "Delete a vetting conversation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *conversationPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermIdeaSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		svc, err := d.vettingService()
		if err != nil {
			return nil, err
		}
		if err := svc.Delete(ctx, u.ID, input.ConversationID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{Deleted: true}}, nil
	})
}
