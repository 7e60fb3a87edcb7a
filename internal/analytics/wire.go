package analytics

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire formats as returned by the provider. They are decoded here and
// converted to the domain types so nothing outside this file touches raw JSON.

type wireAccount struct {
	Account          string            `json:"account"`
	Balance          *wireBalance      `json:"balance"`
	CreatedTimestamp string            `json:"created_timestamp"`
	EVMAddress       string            `json:"evm_address"`
	Memo             string            `json:"memo"`
	Deleted          bool              `json:"deleted"`
	Transactions     []wireTransaction `json:"transactions"`
}

type wireBalance struct {
	Balance int64       `json:"balance"`
	Tokens  []wireToken `json:"tokens"`
}

type wireToken struct {
	TokenID string `json:"token_id"`
	Balance int64  `json:"balance"`
}

type wireTransaction struct {
	TransactionID      string              `json:"transaction_id"`
	ConsensusTimestamp string              `json:"consensus_timestamp"`
	Name               string              `json:"name"`
	Result             string              `json:"result"`
	MemoBase64         string              `json:"memo_base64"`
	Transfers          []wireTransfer      `json:"transfers"`
	TokenTransfers     []wireTokenTransfer `json:"token_transfers"`
}

type wireTransfer struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type wireTokenTransfer struct {
	TokenID string `json:"token_id"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type wireMessages struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	TopicID            string `json:"topic_id"`
	SequenceNumber     int64  `json:"sequence_number"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
	PayerAccountID     string `json:"payer_account_id"`
	Message            string `json:"message"`
}

func decodeAccount(body []byte) (*wireAccount, error) {
	var w wireAccount
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if w.Account == "" {
		return nil, fmt.Errorf("%w: missing account", ErrInvalidResponse)
	}
	return &w, nil
}

func (w *wireAccount) info() (*AccountInfo, error) {
	info := &AccountInfo{
		AccountID:  w.Account,
		EVMAddress: w.EVMAddress,
		Memo:       w.Memo,
		Deleted:    w.Deleted,
	}
	if w.Balance != nil {
		info.Balance = w.Balance.Balance
	}
	if w.CreatedTimestamp != "" {
		ts, err := parseTimestamp(w.CreatedTimestamp)
		if err != nil {
			return nil, err
		}
		info.CreatedAt = ts
	}
	return info, nil
}

func (w *wireAccount) transactions() ([]Transaction, error) {
	out := make([]Transaction, 0, len(w.Transactions))
	for _, wt := range w.Transactions {
		ts, err := parseTimestamp(wt.ConsensusTimestamp)
		if err != nil {
			return nil, err
		}
		tx := Transaction{
			ID:                 wt.TransactionID,
			ConsensusTimestamp: ts,
			Name:               wt.Name,
			Result:             wt.Result,
		}
		if wt.MemoBase64 != "" {
			if memo, err := base64.StdEncoding.DecodeString(wt.MemoBase64); err == nil {
				tx.Memo = string(memo)
			}
		}
		for _, t := range wt.Transfers {
			tx.Transfers = append(tx.Transfers, Transfer(t))
		}
		for _, t := range wt.TokenTransfers {
			tx.TokenTransfers = append(tx.TokenTransfers, TokenTransfer(t))
		}
		out = append(out, tx)
	}
	return out, nil
}

func (w *wireAccount) tokens() []TokenBalance {
	if w.Balance == nil {
		return []TokenBalance{}
	}
	out := make([]TokenBalance, 0, len(w.Balance.Tokens))
	for _, t := range w.Balance.Tokens {
		out = append(out, TokenBalance(t))
	}
	return out
}

func decodeMessages(body []byte) ([]HCSMessage, error) {
	var w wireMessages
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	out := make([]HCSMessage, 0, len(w.Messages))
	for _, m := range w.Messages {
		ts, err := parseTimestamp(m.ConsensusTimestamp)
		if err != nil {
			return nil, err
		}
		msg := HCSMessage{
			TopicID:            m.TopicID,
			SequenceNumber:     m.SequenceNumber,
			ConsensusTimestamp: ts,
			PayerAccountID:     m.PayerAccountID,
		}
		if raw, err := base64.StdEncoding.DecodeString(m.Message); err == nil {
			msg.Message = string(raw)
		} else {
			msg.Message = m.Message
		}
		out = append(out, msg)
	}
	return out, nil
}

// parseTimestamp parses a "seconds.nanoseconds" consensus timestamp.
func parseTimestamp(s string) (time.Time, error) {
	secStr, nanoStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidResponse, s)
	}
	var nanos int64
	if nanoStr != "" {
		if len(nanoStr) > 9 {
			nanoStr = nanoStr[:9]
		}
		nanoStr += strings.Repeat("0", 9-len(nanoStr))
		nanos, err = strconv.ParseInt(nanoStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidResponse, s)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}
