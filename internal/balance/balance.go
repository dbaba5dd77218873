// Package balance implements the account balance lookup that callers reach
// through the get_user_balance tool.
//
// The lookup is served three ways: [PostgresStore] reads the users table,
// [NewHandler] exposes it as a JSON tool endpoint and [NewMCPServer] exposes
// it over the Model Context Protocol. [Client] is the agent-side caller of
// the JSON endpoint.
package balance

import (
	"context"
	"errors"
	"fmt"
)

// ToolName is the name the lookup is offered under to the model.
const ToolName = "get_user_balance"

// ToolDescription is shown to the model next to ToolName.
const ToolDescription = "Look up the current balance of a caller's account by numeric user id."

// ErrNotFound is returned when no account exists for a user id.
var ErrNotFound = errors.New("balance: user account not found")

// Store looks up account balances.
type Store interface {
	// Balance returns the balance of userID formatted for speech, or an
	// error wrapping ErrNotFound when the account does not exist.
	Balance(ctx context.Context, userID int64) (string, error)
}

// FoundText is the sentence reported for an existing account.
func FoundText(userID int64, value string) string {
	return fmt.Sprintf("The balance of %d user account is %s", userID, value)
}

// NotFoundText is the sentence reported when no account exists.
func NotFoundText(userID int64) string {
	return fmt.Sprintf("There is no user account with id %d", userID)
}

// Describe runs a lookup against s and renders the outcome as the sentence
// the model reads. Only store failures are returned as errors.
func Describe(ctx context.Context, s Store, userID int64) (string, error) {
	value, err := s.Balance(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return NotFoundText(userID), nil
	case err != nil:
		return "", err
	}
	return FoundText(userID, value), nil
}
