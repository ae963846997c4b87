package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// LoadHistory fills prior turns from the conversation store when the caller
// sent a session id without history. A store failure only degrades context.
func LoadHistory(ctx context.Context, in *GraphState, store contractx.ConversationStore) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	sessionID := strings.TrimSpace(in.Config.SessionID)
	if store == nil || sessionID == "" || len(in.History) > 0 {
		return in, nil
	}

	turns, err := store.History(ctx, sessionID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("conversation history unavailable")
		return in, nil
	}
	in.History = turns
	return in, nil
}

// WriteHistory appends the question and the final answer to the session.
func WriteHistory(ctx context.Context, in *GraphState, store contractx.ConversationStore) error {
	if in == nil {
		return fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	sessionID := strings.TrimSpace(in.Config.SessionID)
	if store == nil || sessionID == "" || strings.TrimSpace(in.Answer) == "" {
		return nil
	}
	return store.Append(ctx, sessionID,
		contractx.Turn{Role: contractx.RoleUser, Content: in.Config.Message, At: in.Now},
		contractx.Turn{Role: contractx.RoleAssistant, Content: in.Answer, At: in.Now},
	)
}
