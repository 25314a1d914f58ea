// Package api provides the HTTP handlers of the game engine: claims, ledger
// reads, round reads, the round websocket, and the hot-or-not game.
//
// Every mutating request carries an ed25519 signature from its sender over
// a canonical message (see package auth).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/auth"
	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/game"
	"github.com/pumpdump/game-engine/internal/hotornot"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/principal"
)

// Ledger is the ledger surface exposed over HTTP.
type Ledger interface {
	Claim(ctx context.Context, user string, amount decimal.Decimal) error
	Balance(ctx context.Context, user string) (model.BalanceInfo, error)
	GameCount(ctx context.Context, user string) (uint64, error)
	Earnings(ctx context.Context, user string) (decimal.Decimal, error)
	Uncommitted(ctx context.Context, user string) ([]model.UncommittedGame, error)
}

// Rounds is the round surface exposed over HTTP.
type Rounds interface {
	ServeWS(w http.ResponseWriter, r *http.Request, gameCanister, tokenRoot, userCanister string)
	Bets(ctx context.Context, gameCanister, tokenRoot, user string) (model.Tally, error)
	Pool(ctx context.Context, gameCanister, tokenRoot string) (game.Pool, error)
	PlayerCount(ctx context.Context, gameCanister, tokenRoot string) (int, error)
}

// HotOrNot is the hot-or-not surface exposed over HTTP.
type HotOrNot interface {
	Balance(ctx context.Context, user string) (decimal.Decimal, error)
	Airdrop(ctx context.Context, user string) (decimal.Decimal, error)
	Vote(ctx context.Context, user string, v hotornot.Vote) (hotornot.VoteResult, error)
	Games(ctx context.Context, user string, pageSize int, cursor string) (hotornot.Page, error)
	Withdraw(ctx context.Context, user string, amount decimal.Decimal) error
	GameInfo(ctx context.Context, user, postCanister string, postID uint64) (hotornot.GameInfo, bool, error)
	ClaimAirdrop(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error)
	LastAirdropClaimedAt(ctx context.Context, user string) (time.Time, bool, error)
	Referral(ctx context.Context, referrer, referee string) (hotornot.ReferralItem, error)
	ReferralHistory(ctx context.Context, user string, cursor, limit int) (hotornot.ReferralPage, error)
}

// Handler serves the engine's HTTP routes.
type Handler struct {
	ledger   Ledger
	rounds   Rounds
	hon      HotOrNot
	identity backend.IdentityBackend
}

// New creates a Handler.
func New(ledger Ledger, rounds Rounds, hon HotOrNot, identity backend.IdentityBackend) *Handler {
	return &Handler{ledger: ledger, rounds: rounds, hon: hon, identity: identity}
}

// Routes registers the request/response handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/claim_gdollr", h.Claim)
	r.Get("/balance/{userCanister}", h.Balance)
	r.Get("/game_count/{userCanister}", h.GameCount)
	r.Get("/earnings/{userCanister}", h.Earnings)
	r.Get("/uncommitted_games/{userCanister}", h.Uncommitted)

	r.Get("/bets/{gameCanister}/{tokenRoot}/{userCanister}", h.Bets)
	r.Get("/player_count/{gameCanister}/{tokenRoot}", h.PlayerCount)
	r.Get("/game_pool/{gameCanister}/{tokenRoot}", h.GamePool)

	r.Route("/hon", func(r chi.Router) {
		r.Get("/balance/{user}", h.HonBalance)
		r.Post("/vote", h.HonVote)
		r.Post("/games/{user}", h.HonGames)
		r.Post("/withdraw", h.HonWithdraw)
		r.Post("/game_info/{user}", h.HonGameInfo)
		r.Post("/claim_airdrop", h.HonClaimAirdrop)
		r.Get("/last_airdrop_claimed_at/{user}", h.HonLastAirdrop)
		r.Post("/referral_reward", h.HonReferral)
		r.Post("/referral_history/{user}", h.HonReferralHistory)
	})
}

// SocketRoutes registers the round websocket on r. Sockets outlive any
// request timeout, so they are kept off the Routes group.
func (h *Handler) SocketRoutes(r chi.Router) {
	r.Get("/ws/{gameCanister}/{tokenRoot}", h.WebSocket)
}

// params reads and validates principal path parameters.
func params(r *http.Request, names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		v := chi.URLParam(r, name)
		if err := principal.Validate(v); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[i] = v
	}
	return out, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", model.ErrUnknownRequest)
	}
	return nil
}

// ClaimRequest is the body of POST /claim_gdollr.
type ClaimRequest struct {
	Sender    string          `json:"sender"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
}

// Claim handles POST /claim_gdollr
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.Verify(req.Sender, auth.ClaimMessage(req.Sender, req.Amount), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	canister, err := h.identity.UserCanister(r.Context(), req.Sender)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.ledger.Claim(r.Context(), canister, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"user_canister": canister, "amount": req.Amount})
}

// Balance handles GET /balance/{userCanister}
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "userCanister")
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.ledger.Balance(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

// GameCount handles GET /game_count/{userCanister}
func (h *Handler) GameCount(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "userCanister")
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.ledger.GameCount(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"game_count": n})
}

// Earnings handles GET /earnings/{userCanister}
func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "userCanister")
	if err != nil {
		writeError(w, err)
		return
	}
	e, err := h.ledger.Earnings(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"net_earnings": e})
}

// Uncommitted handles GET /uncommitted_games/{userCanister}
func (h *Handler) Uncommitted(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "userCanister")
	if err != nil {
		writeError(w, err)
		return
	}
	games, err := h.ledger.Uncommitted(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, games)
}

// Bets handles GET /bets/{gameCanister}/{tokenRoot}/{userCanister}
func (h *Handler) Bets(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "gameCanister", "tokenRoot", "userCanister")
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := h.rounds.Bets(r.Context(), p[0], p[1], p[2])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

// PlayerCount handles GET /player_count/{gameCanister}/{tokenRoot}
func (h *Handler) PlayerCount(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "gameCanister", "tokenRoot")
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.rounds.PlayerCount(r.Context(), p[0], p[1])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"player_count": n})
}

// GamePool handles GET /game_pool/{gameCanister}/{tokenRoot}
func (h *Handler) GamePool(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "gameCanister", "tokenRoot")
	if err != nil {
		writeError(w, err)
		return
	}
	pool, err := h.rounds.Pool(r.Context(), p[0], p[1])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pool)
}

// WebSocket handles GET /ws/{gameCanister}/{tokenRoot}?sender=&signature=
//
// The sender proves control of their principal by signing the game and
// token; the socket then bets on behalf of the sender's canister.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "gameCanister", "tokenRoot")
	if err != nil {
		writeError(w, err)
		return
	}
	gameCanister, tokenRoot := p[0], p[1]
	sender := r.URL.Query().Get("sender")
	signature := r.URL.Query().Get("signature")

	if err := auth.Verify(sender, auth.IdentifyMessage(sender, gameCanister, tokenRoot), signature); err != nil {
		writeError(w, err)
		return
	}
	canister, err := h.identity.UserCanister(r.Context(), sender)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.identity.ValidateToken(r.Context(), gameCanister, tokenRoot); err != nil {
		writeError(w, err)
		return
	}
	h.rounds.ServeWS(w, r, gameCanister, tokenRoot, canister)
}

// HonBalance handles GET /hon/balance/{user}
func (h *Handler) HonBalance(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.hon.Balance(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	air, err := h.hon.Airdrop(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"balance": bal, "airdrop": air})
}

// VoteRequest is the body of POST /hon/vote.
type VoteRequest struct {
	Sender       string             `json:"sender"`
	PostCanister string             `json:"post_canister"`
	PostID       uint64             `json:"post_id"`
	Direction    hotornot.Sentiment `json:"direction"`
	Amount       decimal.Decimal    `json:"amount"`
	Creator      string             `json:"creator,omitempty"`
	Signature    string             `json:"signature"`
}

// HonVote handles POST /hon/vote
func (h *Handler) HonVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg := auth.VoteMessage(req.Sender, req.PostCanister, req.PostID, string(req.Direction), req.Amount)
	if err := auth.Verify(req.Sender, msg, req.Signature); err != nil {
		writeError(w, err)
		return
	}
	if err := principal.Validate(req.PostCanister); err != nil {
		writeError(w, err)
		return
	}
	if req.Creator != "" {
		if err := principal.Validate(req.Creator); err != nil {
			writeError(w, err)
			return
		}
	}
	res, err := h.hon.Vote(r.Context(), req.Sender, hotornot.Vote{
		PostCanister: req.PostCanister,
		PostID:       req.PostID,
		Direction:    req.Direction,
		Amount:       req.Amount,
		Creator:      req.Creator,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// GamesRequest is the body of POST /hon/games/{user}.
type GamesRequest struct {
	PageSize int    `json:"page_size"`
	Cursor   string `json:"cursor,omitempty"`
}

// HonGames handles POST /hon/games/{user}
func (h *Handler) HonGames(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	req := GamesRequest{PageSize: hotornot.MaxPageSize}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	page, err := h.hon.Games(r.Context(), p[0], req.PageSize, req.Cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}

// WithdrawRequest is the body of POST /hon/withdraw.
type WithdrawRequest struct {
	Sender    string          `json:"sender"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
}

// HonWithdraw handles POST /hon/withdraw
func (h *Handler) HonWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.Verify(req.Sender, auth.WithdrawMessage(req.Sender, req.Amount), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	if err := h.hon.Withdraw(r.Context(), req.Sender, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"amount": req.Amount})
}

// GameInfoRequest is the body of POST /hon/game_info/{user}.
type GameInfoRequest struct {
	PostCanister string `json:"post_canister"`
	PostID       uint64 `json:"post_id"`
}

// HonGameInfo handles POST /hon/game_info/{user}. The body is null when
// the user has not voted on the post.
func (h *Handler) HonGameInfo(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	var req GameInfoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := principal.Validate(req.PostCanister); err != nil {
		writeError(w, err)
		return
	}
	info, ok, err := h.hon.GameInfo(r.Context(), p[0], req.PostCanister, req.PostID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, nil)
		return
	}
	writeJSON(w, info)
}

// AirdropRequest is the body of POST /hon/claim_airdrop.
type AirdropRequest struct {
	Sender    string          `json:"sender"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
}

// HonClaimAirdrop handles POST /hon/claim_airdrop
func (h *Handler) HonClaimAirdrop(w http.ResponseWriter, r *http.Request) {
	var req AirdropRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.Verify(req.Sender, auth.AirdropMessage(req.Sender, req.Amount), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	amount, err := h.hon.ClaimAirdrop(r.Context(), req.Sender, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"amount": amount})
}

// HonLastAirdrop handles GET /hon/last_airdrop_claimed_at/{user}. The
// timestamp is unix milliseconds, or null if the user never claimed.
func (h *Handler) HonLastAirdrop(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	at, ok, err := h.hon.LastAirdropClaimedAt(r.Context(), p[0])
	if err != nil {
		writeError(w, err)
		return
	}
	var ms *int64
	if ok {
		v := at.UnixMilli()
		ms = &v
	}
	writeJSON(w, map[string]*int64{"last_airdrop_claimed_at": ms})
}

// ReferralRequest is the body of POST /hon/referral_reward. It is signed by
// the referee.
type ReferralRequest struct {
	Referrer  string `json:"referrer"`
	Referee   string `json:"referee"`
	Signature string `json:"signature"`
}

// HonReferral handles POST /hon/referral_reward. Both users must be known
// to the identity backend.
func (h *Handler) HonReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.Verify(req.Referee, auth.ReferralMessage(req.Referrer, req.Referee), req.Signature); err != nil {
		writeError(w, err)
		return
	}
	if err := principal.Validate(req.Referrer); err != nil {
		writeError(w, err)
		return
	}
	for _, user := range []string{req.Referee, req.Referrer} {
		if _, err := h.identity.UserCanister(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
	}
	item, err := h.hon.Referral(r.Context(), req.Referrer, req.Referee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, item)
}

// ReferralHistoryRequest is the body of POST /hon/referral_history/{user}.
type ReferralHistoryRequest struct {
	Cursor int `json:"cursor"`
	Limit  int `json:"limit"`
}

// HonReferralHistory handles POST /hon/referral_history/{user}
func (h *Handler) HonReferralHistory(w http.ResponseWriter, r *http.Request) {
	p, err := params(r, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	req := ReferralHistoryRequest{Limit: hotornot.MaxPageSize}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	page, err := h.hon.ReferralHistory(r.Context(), p[0], req.Cursor, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, page)
}
