package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
)

type openRequest struct {
	Nonce           uint64         `json:"nonce"`
	Deposit         uint64         `json:"deposit"`
	AmountRequested uint64         `json:"amountRequested"`
	AssetOffered    crypto.Address `json:"assetOffered"`
	AssetRequested  crypto.Address `json:"assetRequested"`
}

type autoCancelRequest struct {
	Accounts *struct {
		Maker        crypto.Address `json:"maker"`
		AssetOffered crypto.Address `json:"assetOffered"`
		Record       crypto.Address `json:"record"`
		Vault        crypto.Address `json:"vault"`
		MakerAccount crypto.Address `json:"makerAccount"`
	} `json:"accounts,omitempty"`
}

type scheduleRequest struct {
	TaskID uint16 `json:"taskId"`
	// Expiry is a unix timestamp; zero schedules at maturity.
	Expiry int64 `json:"expiry"`
}

func caller(r *http.Request) crypto.Address {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p.Subject
}

func (s *server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	who := caller(r)
	_, span := startSpan(r.Context(), "open", who)
	rec, err := s.engine.Open(who, escrow.OpenParams{
		Nonce:           req.Nonce,
		Deposit:         req.Deposit,
		AmountRequested: req.AmountRequested,
		AssetOffered:    req.AssetOffered,
		AssetRequested:  req.AssetRequested,
	})
	endSpan(span, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	addr, _, err := escrow.RecordAddress(rec.Maker, rec.Nonce)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view := newRecordView(addr, rec)
	view.VaultBalance = &rec.Deposit
	writeJSON(w, http.StatusCreated, view)
}

func (s *server) handleShow(w http.ResponseWriter, r *http.Request) {
	maker, nonce, err := recordParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	rec, err := s.engine.Record(maker, nonce)
	if errors.Is(err, escrow.ErrRecordNotFound) {
		retired, rerr := s.engine.Retired(maker, nonce)
		if rerr == nil && retired {
			writeJSON(w, http.StatusGone, errorResponse{Error: "record closed", Kind: escrow.KindPrecondition.String()})
			return
		}
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	balance, err := s.engine.VaultBalance(maker, nonce)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	addr, _, err := escrow.RecordAddress(maker, nonce)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view := newRecordView(addr, rec)
	view.VaultBalance = &balance
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	maker, nonce, err := recordParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	who := caller(r)
	_, span := startSpan(r.Context(), "accept", who)
	settlement, err := s.engine.Accept(who, maker, nonce)
	endSpan(span, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	maker, nonce, err := recordParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	who := caller(r)
	_, span := startSpan(r.Context(), "cancel", who)
	settlement, err := s.engine.Cancel(who, maker, nonce)
	endSpan(span, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}

// handleAutoCancel runs the cancellation with the caller as executor. With no
// body the accounts are derived from the stored record.
func (s *server) handleAutoCancel(w http.ResponseWriter, r *http.Request) {
	maker, nonce, err := recordParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req autoCancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			badRequest(w, err)
			return
		}
	}
	who := caller(r)
	_, span := startSpan(r.Context(), "auto_cancel", who)
	var outcome escrow.Outcome
	if req.Accounts == nil {
		outcome, err = s.engine.AutoCancelFor(who, maker, nonce)
	} else {
		if req.Accounts.Maker != maker {
			err = fmt.Errorf("%w: path maker differs from accounts", escrow.ErrAccountMismatch)
		} else {
			outcome, err = s.engine.AutoCancel(who, escrow.AutoCancelAccounts{
				Maker:        req.Accounts.Maker,
				AssetOffered: req.Accounts.AssetOffered,
				Record:       req.Accounts.Record,
				Vault:        req.Accounts.Vault,
				MakerAccount: req.Accounts.MakerAccount,
			}, nonce)
		}
	}
	endSpan(span, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	maker, nonce, err := recordParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	who := caller(r)
	if who != maker {
		s.writeFailure(w, escrow.ErrUnauthorized)
		return
	}
	ctx, span := startSpan(r.Context(), "schedule_auto_cancel", who)
	task, err := s.engine.ScheduleAutoCancel(ctx, who, nonce, req.TaskID, req.Expiry)
	endSpan(span, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *server) handleDerive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maker, err := crypto.ParseAddress(q.Get("maker"))
	if err != nil {
		badRequest(w, fmt.Errorf("maker: %w", err))
		return
	}
	nonce, err := parseNonce(q.Get("nonce"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var asset crypto.Address
	if raw := q.Get("asset"); raw != "" {
		if asset, err = crypto.ParseAddress(raw); err != nil {
			badRequest(w, fmt.Errorf("asset: %w", err))
			return
		}
	}
	addrs, err := escrow.DeriveAddresses(maker, nonce, asset)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addrs)
}

type balanceView struct {
	Owner  crypto.Address  `json:"owner"`
	Mint   *crypto.Address `json:"mint,omitempty"`
	Amount uint64          `json:"amount"`
}

// handleBalance reports a token balance when mint is given and the native
// balance otherwise.
func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	view := balanceView{Owner: owner}
	if raw := r.URL.Query().Get("mint"); raw != "" {
		mint, err := crypto.ParseAddress(raw)
		if err != nil {
			badRequest(w, fmt.Errorf("mint: %w", err))
			return
		}
		view.Mint = &mint
		view.Amount, err = s.engine.Balance(owner, mint)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
	} else {
		view.Amount, err = s.engine.NativeBalance(owner)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.tasks.List(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler disabled"})
		return
	}
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type mintRequest struct {
	Owner  crypto.Address `json:"owner"`
	Mint   crypto.Address `json:"mint"`
	Amount uint64         `json:"amount"`
}

type airdropRequest struct {
	Address crypto.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

func (s *server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	account, err := s.engine.Mint(req.Owner, req.Mint, req.Amount)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("faucet mint", "owner", req.Owner.String(), "mint", req.Mint.String(), "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "amount": req.Amount})
}

func (s *server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.FundNative(req.Address, req.Amount); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("faucet airdrop", "address", req.Address.String(), "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"address": req.Address, "amount": req.Amount})
}
