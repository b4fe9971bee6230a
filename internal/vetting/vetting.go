// Package vetting runs the chat that shapes a rough idea into a pipeline
// submission. When the assistant judges the idea ready it emits a JSON block
// and the idea is submitted on the user's behalf.
package vetting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ideafactory/internal/domain"
	"ideafactory/internal/engine"
	"ideafactory/internal/llm"
	"ideafactory/internal/locks"
)

// MaxMessageLength bounds a single user message, in characters.
const MaxMessageLength = 5000

var (
	ErrNotOwner       = errors.New("conversation belongs to another user")
	ErrInvalidMessage = errors.New("invalid message")
)

// Store persists conversations. repo.Repo implements it.
type Store interface {
	GetConversation(ctx context.Context, id string) (domain.VettingConversation, error)
	SaveConversation(ctx context.Context, c domain.VettingConversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// Submitter creates ideas. engine.Engine implements it.
type Submitter interface {
	SubmitIdea(ctx context.Context, in engine.SubmitIdeaInput) (domain.Idea, error)
}

type Service struct {
	LLM    llm.Completer
	Store  Store
	Ideas  Submitter
	Locks  *locks.Manager
	Logger *zap.Logger
}

// Reply is the assistant's answer to one user message.
type Reply struct {
	Message        string  `json:"message"`
	ConversationID string  `json:"conversation_id"`
	IdeaSubmitted  bool    `json:"idea_submitted"`
	IdeaID         *string `json:"idea_id,omitempty"`
}

const persona = `You help people turn rough software ideas into buildable project briefs for an automated idea factory.

- Ask one clarifying question at a time.
- Push back on vague ideas with concrete feedback.
- Find out what problem the idea solves, who would use it and what the smallest useful version looks like.
- Do not force a clear, well formed idea through questions it already answers.

When you know the problem, the users and the first version's scope, summarize them and end your reply with a block like this:
` + "```json" + `
{"ready_to_submit": true, "title": "...", "description": "...", "tags": ["tag1", "tag2"]}
` + "```" + `

Keep the tone direct and friendly.`

const alreadySubmitted = "This idea has already been submitted. Start a new conversation for a new idea."

var submissionBlock = regexp.MustCompile("```json\\s*(\\{[^`]+\\})\\s*```")

type submission struct {
	ReadyToSubmit bool     `json:"ready_to_submit"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
}

func (s Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Send adds a user message to a conversation and returns the assistant's
// reply. An empty conversationID starts a new conversation. The exchange is
// stored only once the model has answered.
func (s Service) Send(ctx context.Context, userID, conversationID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if n := utf8.RuneCountInString(message); n == 0 || n > MaxMessageLength {
		return Reply{}, fmt.Errorf("%w: message must be 1 to %d characters", ErrInvalidMessage, MaxMessageLength)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
		return s.send(ctx, domain.VettingConversation{ID: conversationID, UserID: userID}, message)
	}
	var reply Reply
	err := s.withLock(ctx, conversationID, func(ctx context.Context) error {
		conv, err := s.Get(ctx, userID, conversationID)
		if err != nil {
			return err
		}
		reply, err = s.send(ctx, conv, message)
		return err
	})
	return reply, err
}

func (s Service) send(ctx context.Context, conv domain.VettingConversation, message string) (Reply, error) {
	if conv.Submitted {
		return Reply{Message: alreadySubmitted, ConversationID: conv.ID, IdeaSubmitted: true, IdeaID: conv.IdeaID}, nil
	}
	if s.LLM == nil {
		return Reply{}, llm.ErrDisabled
	}
	history := append(append([]domain.ChatMessage(nil), conv.Messages...), domain.ChatMessage{Role: domain.ChatRoleUser, Content: message})
	answer, err := s.LLM.Complete(ctx, prompt(history))
	if err != nil {
		return Reply{}, fmt.Errorf("vetting reply: %w", err)
	}
	answer = strings.TrimSpace(answer)
	conv.Messages = append(history, domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: answer})
	reply := Reply{Message: answer, ConversationID: conv.ID}

	if sub, ok := extractSubmission(answer); ok {
		content := sub.Description
		if strings.TrimSpace(content) == "" {
			content = message
		}
		idea, err := s.Ideas.SubmitIdea(ctx, engine.SubmitIdeaInput{
			Title:       sub.Title,
			Content:     content,
			Tags:        sub.Tags,
			Mode:        domain.ModeNew,
			SubmittedBy: conv.UserID,
		})
		switch {
		case err == nil:
			conv.Submitted = true
			conv.IdeaID = &idea.ID
			reply.IdeaSubmitted = true
			reply.IdeaID = &idea.ID
			reply.Message = cleanReply(answer)
			if reply.Message == "" {
				reply.Message = fmt.Sprintf("Your idea %q has been submitted to the pipeline.", idea.Title)
			}
			s.log().Info("vetted idea submitted", zap.String("conversation_id", conv.ID), zap.String("idea_id", idea.ID))
		case errors.Is(err, engine.ErrInvalidIdea), errors.Is(err, engine.ErrQuotaExceeded):
			reply.Message = strings.TrimSpace(cleanReply(answer) + "\n\nThe idea could not be submitted yet: " + err.Error())
		default:
			return Reply{}, fmt.Errorf("submit vetted idea: %w", err)
		}
	}

	if err := s.Store.SaveConversation(ctx, conv); err != nil {
		return Reply{}, fmt.Errorf("save conversation: %w", err)
	}
	return reply, nil
}

// Get returns a conversation owned by userID.
func (s Service) Get(ctx context.Context, userID, conversationID string) (domain.VettingConversation, error) {
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return conv, err
	}
	if conv.UserID != userID {
		return domain.VettingConversation{}, ErrNotOwner
	}
	if conv.Messages == nil {
		conv.Messages = []domain.ChatMessage{}
	}
	return conv, nil
}

// Delete removes a conversation owned by userID. A submitted idea is kept.
func (s Service) Delete(ctx context.Context, userID, conversationID string) error {
	return s.withLock(ctx, conversationID, func(ctx context.Context) error {
		if _, err := s.Get(ctx, userID, conversationID); err != nil {
			return err
		}
		return s.Store.DeleteConversation(ctx, conversationID)
	})
}

func (s Service) withLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	if s.Locks == nil {
		return fn(ctx)
	}
	return s.Locks.WithLock(ctx, "vetting:"+conversationID, fn)
}

func prompt(history []domain.ChatMessage) string {
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nConversation so far:\n")
	for _, m := range history {
		speaker := "User"
		if m.Role == domain.ChatRoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "\n%s: %s\n", speaker, m.Content)
	}
	b.WriteString("\nAssistant:")
	return b.String()
}

// extractSubmission finds a ready_to_submit block in an assistant reply.
func extractSubmission(text string) (submission, bool) {
	m := submissionBlock.FindStringSubmatch(text)
	if m == nil {
		return submission{}, false
	}
	var sub submission
	if err := json.Unmarshal([]byte(m[1]), &sub); err != nil || !sub.ReadyToSubmit {
		return submission{}, false
	}
	if strings.TrimSpace(sub.Title) == "" {
		sub.Title = "Untitled Idea"
	}
	return sub, true
}

// cleanReply drops the submission block and anything after it.
func cleanReply(text string) string {
	before, _, _ := strings.Cut(text, "```json")
	return strings.TrimSpace(before)
}
