package model

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BroadcastID is the request id stamped on events not tied to a request.
var BroadcastID = uuid.Max

// WsRequest is a client frame.
type WsRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	Msg       WsMessage `json:"msg"`
}

// WsMessage is the tagged client message. Bet is the only variant.
type WsMessage struct {
	Bet *BetMessage `json:"Bet,omitempty"`
}

// BetMessage places one stake on a side for a given round.
type BetMessage struct {
	Direction Direction `json:"direction"`
	Round     uint64    `json:"round"`
}

// WsResponse is a server frame. RequestID is BroadcastID for events.
type WsResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	Response  WsResp    `json:"response"`
}

// WsResp is the tagged server payload; exactly one field is set.
type WsResp struct {
	BetSuccessful    *BetSuccessful    `json:"BetSuccessful,omitempty"`
	WinningPoolEvent *WinningPoolEvent `json:"WinningPoolEvent,omitempty"`
	GameResultEvent  *GameResultEvent  `json:"GameResultEvent,omitempty"`
	WelcomeEvent     *WelcomeEvent     `json:"WelcomeEvent,omitempty"`
	Error            *WsError          `json:"Error,omitempty"`
}

type BetSuccessful struct {
	Round uint64 `json:"round"`
}

// WinningPoolEvent reports the bet count of the round in progress.
type WinningPoolEvent struct {
	NewPool uint64 `json:"new_pool"`
	Round   uint64 `json:"round"`
}

type GameResultEvent struct {
	Direction  Direction       `json:"direction"`
	RewardPool decimal.Decimal `json:"reward_pool"`
	BetCount   uint64          `json:"bet_count"`
	NewRound   uint64          `json:"new_round"`
}

type WelcomeEvent struct {
	Round       uint64 `json:"round"`
	Pool        uint64 `json:"pool"`
	PlayerCount uint64 `json:"player_count"`
	UserBets    Tally  `json:"user_bets"`
}

type WsError struct {
	Reason string `json:"reason"`
}

// ErrUnknownRequest is returned for frames that are not a valid WsRequest.
var ErrUnknownRequest = errors.New("unknown request")

// ParseWsRequest decodes a client frame.
func ParseWsRequest(data []byte) (WsRequest, error) {
	var req WsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return WsRequest{}, ErrUnknownRequest
	}
	if req.Msg.Bet == nil || !req.Msg.Bet.Direction.Valid() {
		return WsRequest{}, ErrUnknownRequest
	}
	return req, nil
}
