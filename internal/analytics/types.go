// Package analytics is a typed client for the upstream account analytics
// provider (a mirror-node shaped REST API). Every call goes through a TTL
// cache, a circuit breaker and retry with exponential backoff.
package analytics

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidResponse is returned when the provider's JSON does not have
	// the expected shape.
	ErrInvalidResponse = errors.New("analytics: invalid response")

	// ErrNotFound matches a *StatusError with code 404.
	ErrNotFound = errors.New("analytics: not found")
)

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	Operation  string
	Code       int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, zero if absent
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("analytics %s: upstream status %d: %s", e.Operation, e.Code, e.Body)
	}
	return fmt.Sprintf("analytics %s: upstream status %d", e.Operation, e.Code)
}

// Is reports whether target is ErrNotFound and the status is 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == 404
}

// Permanent reports whether retrying the same request cannot help:
// any 4xx except 429.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 429
}

// AccountInfo is the account summary. Amounts are in tinybars.
type AccountInfo struct {
	AccountID  string
	Balance    int64
	CreatedAt  time.Time
	EVMAddress string
	Memo       string
	Deleted    bool
}

// Transfer is one leg of a transaction: positive amounts are credits.
type Transfer struct {
	Account string
	Amount  int64
}

// TokenTransfer is one fungible-token leg of a transaction.
type TokenTransfer struct {
	TokenID string
	Account string
	Amount  int64
}

// Transaction is a settled transaction touching the account.
type Transaction struct {
	ID                 string
	ConsensusTimestamp time.Time
	Name               string
	Result             string
	Memo               string
	Transfers          []Transfer
	TokenTransfers     []TokenTransfer
}

// TokenBalance is a fungible token holding in the token's smallest unit.
type TokenBalance struct {
	TokenID string
	Balance int64
}

// HCSMessage is a consensus-service message attributed to the account.
type HCSMessage struct {
	TopicID            string
	SequenceNumber     int64
	ConsensusTimestamp time.Time
	PayerAccountID     string
	Message            string // decoded UTF-8 body
}
