package hedera

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	hsdk "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/pkg/x402"
)

type transferCall struct {
	to       string
	tinybars int64
	memo     string
}

func fakeSettler(fn transferFunc) (*Settler, *[]transferCall) {
	calls := &[]transferCall{}
	s := &Settler{
		operator: "0.0.1001",
		logger:   slog.Default(),
		transfer: func(to string, tinybars int64, memo string) (string, error) {
			*calls = append(*calls, transferCall{to, tinybars, memo})
			return fn(to, tinybars, memo)
		},
	}
	return s, calls
}

func TestSettle_Success(t *testing.T) {
	s, calls := fakeSettler(func(string, int64, string) (string, error) {
		return "0.0.1001@1700000000.000000001", nil
	})

	tx, err := s.Settle(context.Background(), "0.0.1234", big.NewInt(50_000_000), "x402 /r n1")
	require.NoError(t, err)
	assert.Equal(t, "0.0.1001@1700000000.000000001", tx)
	require.Len(t, *calls, 1)
	assert.Equal(t, transferCall{"0.0.1234", 50_000_000, "x402 /r n1"}, (*calls)[0])
	assert.Equal(t, x402.NetworkHederaTestnet, s.Network())
	assert.Equal(t, "0.0.1001", s.Operator())
}

func TestSettle_RejectsBadInput(t *testing.T) {
	s, calls := fakeSettler(func(string, int64, string) (string, error) { return "tx", nil })

	tooBig, _ := new(big.Int).SetString("100000000000000000000", 10)
	tests := []struct {
		name   string
		to     string
		amount *big.Int
		want   error
	}{
		{"nil amount", "0.0.1234", nil, ErrInvalidAmount},
		{"zero amount", "0.0.1234", big.NewInt(0), ErrInvalidAmount},
		{"negative amount", "0.0.1234", big.NewInt(-1), ErrInvalidAmount},
		{"overflow", "0.0.1234", tooBig, ErrInvalidAmount},
		{"evm recipient", "0x1234567890123456789012345678901234567890", big.NewInt(1), ErrInvalidAccount},
		{"garbage recipient", "alice", big.NewInt(1), ErrInvalidAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Settle(context.Background(), tt.to, tt.amount, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, *calls)
}

func TestSettle_StatusErrorPassesThrough(t *testing.T) {
	s, _ := fakeSettler(func(string, int64, string) (string, error) {
		return "", &StatusError{Status: hsdk.StatusInsufficientPayerBalance.String(), TransactionID: "0.0.1001@1"}
	})

	_, err := s.Settle(context.Background(), "0.0.1234", big.NewInt(1), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.InsufficientFunds())
	assert.Contains(t, err.Error(), "0.0.1001@1")
}

func TestSettle_ContextCancelledBeforeSubmit(t *testing.T) {
	s, calls := fakeSettler(func(string, int64, string) (string, error) { return "tx", nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Settle(ctx, "0.0.1234", big.NewInt(1), "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *calls)
}

func TestSettle_DeadlineWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s, _ := fakeSettler(func(string, int64, string) (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Settle(ctx, "0.0.1234", big.NewInt(1), "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status       string
		insufficient bool
	}{
		{hsdk.StatusInsufficientPayerBalance.String(), true},
		{hsdk.StatusInsufficientAccountBalance.String(), true},
		{hsdk.StatusInvalidSignature.String(), false},
		{hsdk.StatusDuplicateTransaction.String(), false},
	}
	for _, tt := range tests {
		err := &StatusError{Status: tt.status}
		assert.Equal(t, tt.insufficient, err.InsufficientFunds(), tt.status)
		assert.Equal(t, "hedera: transaction failed with status "+tt.status, err.Error())
	}
}

func TestStatusErr_WrapsUnknown(t *testing.T) {
	base := errors.New("connection reset")
	err := statusErr(base)
	assert.ErrorIs(t, err, base)

	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestBalance(t *testing.T) {
	s := &Settler{balance: func() (int64, error) { return 12_345, nil }}
	v, err := s.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12_345), v)
}

func TestNewSettler_RequiresOperator(t *testing.T) {
	_, err := NewSettler(Config{OperatorID: "0.0.1"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewSettler(Config{OperatorID: "not-an-id", OperatorKey: "k"}, nil)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestClose_NoClient(t *testing.T) {
	assert.NoError(t, (&Settler{}).Close())
}
