package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/scheduler"
	telemetry "github.com/solana-turbin3/Q1-26-Accel-Meowy/observability/otel"
)

const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// writeFailure maps engine errors onto HTTP statuses: authorization 403,
// malformed input 422, missing state 404, other preconditions 409.
func (s *server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: escrow.KindOf(err).String()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrRecordNotFound), errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrInvalidAsset), errors.Is(err, escrow.ErrInvalidExpiry):
		return http.StatusUnprocessableEntity
	}
	switch escrow.KindOf(err) {
	case escrow.KindAuthorization:
		return http.StatusForbidden
	case escrow.KindPrecondition:
		return http.StatusConflict
	case escrow.KindEncoding:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func pathAddress(r *http.Request, name string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

func parseNonce(raw string) (uint64, error) {
	nonce, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nonce: %w", err)
	}
	return nonce, nil
}

// recordParams reads {maker}/{nonce} from the path.
func recordParams(r *http.Request) (crypto.Address, uint64, error) {
	maker, err := pathAddress(r, "maker")
	if err != nil {
		return crypto.Address{}, 0, err
	}
	nonce, err := parseNonce(chi.URLParam(r, "nonce"))
	if err != nil {
		return crypto.Address{}, 0, err
	}
	return maker, nonce, nil
}

func startSpan(ctx context.Context, op string, caller crypto.Address) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "escrow."+op, trace.WithAttributes(
		attribute.String("escrow.caller", caller.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type recordView struct {
	Address         crypto.Address `json:"address"`
	Maker           crypto.Address `json:"maker"`
	Nonce           uint64         `json:"nonce"`
	AssetOffered    crypto.Address `json:"assetOffered"`
	AssetRequested  crypto.Address `json:"assetRequested"`
	Deposit         uint64         `json:"deposit"`
	AmountRequested uint64         `json:"amountRequested"`
	Bump            uint8          `json:"bump"`
	OpenedAt        uint64         `json:"openedAt"`
	MaturesAt       uint64         `json:"maturesAt"`
	Vault           crypto.Address `json:"vault"`
	VaultBalance    *uint64        `json:"vaultBalance,omitempty"`
}

func newRecordView(addr crypto.Address, rec *escrow.Record) recordView {
	return recordView{
		Address:         addr,
		Maker:           rec.Maker,
		Nonce:           rec.Nonce,
		AssetOffered:    rec.AssetOffered,
		AssetRequested:  rec.AssetRequested,
		Deposit:         rec.Deposit,
		AmountRequested: rec.AmountRequested,
		Bump:            rec.Bump,
		OpenedAt:        rec.OpenedAt,
		MaturesAt:       rec.MaturesAt(),
		Vault:           escrow.VaultAddress(addr, rec.AssetOffered),
	}
}

type settlementView struct {
	Record recordView `json:"record"`
	Amount uint64     `json:"amount"`
}

func newSettlementView(s *escrow.Settlement) settlementView {
	return settlementView{Record: newRecordView(s.Address, s.Record), Amount: s.Amount}
}
