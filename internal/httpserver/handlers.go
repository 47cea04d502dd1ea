package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/esprobar/loyalty/pkg/redemption"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RedemptionService is the slice of the domain service the transport needs.
type RedemptionService interface {
	Redeem(ctx context.Context, userID redemption.UserID, rewardID redemption.RewardID, knownVoucherCode *redemption.VoucherCode) (redemption.RedeemResult, error)
	Wallet(ctx context.Context, userID redemption.UserID, historyLimit int) (redemption.WalletView, error)
	Claims(ctx context.Context, userID redemption.UserID, limit int) ([]redemption.Claim, error)
}

type httpHandler struct {
	logger  *zap.Logger
	service RedemptionService
	cfg     Config
}

type redeemRequest struct {
	VoucherCode string `json:"voucher_code"`
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	userID, err := redemption.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	rewardID, err := redemption.NewRewardID(ctx.Param("rewardId"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("reward_not_found", "reward not found"))
		return
	}

	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	var knownVoucherCode *redemption.VoucherCode
	if request.VoucherCode != "" {
		code, err := redemption.NewVoucherCode(request.VoucherCode)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_voucher_code", "voucher code is invalid"))
			return
		}
		knownVoucherCode = &code
	}

	result, err := handler.service.Redeem(ctx.Request.Context(), userID, rewardID, knownVoucherCode)
	if err != nil {
		handler.respondRedeemError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"claim":                   claimPayloadFrom(result.Claim),
		"remaining_balance_cents": result.RemainingBalance.Int64(),
		"replayed":                result.Replayed,
	})
}

func (handler *httpHandler) respondRedeemError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, redemption.ErrRewardNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("reward_not_found", "reward not found"))
	case errors.Is(err, redemption.ErrUserNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user not found"))
	case errors.Is(err, redemption.ErrRewardInactive):
		ctx.JSON(http.StatusBadRequest, errorResponse("reward_inactive", "reward is not active"))
	case errors.Is(err, redemption.ErrInsufficientBalance):
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_balance", "not enough espro coins"))
	case errors.Is(err, redemption.ErrProfileIncomplete):
		ctx.JSON(http.StatusBadRequest, errorResponse("profile_incomplete", "loyalty card number is required for store rewards"))
	case errors.Is(err, redemption.ErrOutOfStock):
		ctx.JSON(http.StatusBadRequest, errorResponse("out_of_stock", "reward is out of stock"))
	case errors.Is(err, redemption.ErrVoucherConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "lost a concurrent redemption race, retry"))
	default:
		handler.logger.Error("redeem failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected error"))
	}
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, err := redemption.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	view, err := handler.service.Wallet(ctx.Request.Context(), userID, handler.cfg.WalletHistoryLimit)
	if err != nil {
		if errors.Is(err, redemption.ErrUserNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user not found"))
			return
		}
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected error"))
		return
	}

	transactions := make([]transactionPayload, 0, len(view.Transactions))
	for _, transaction := range view.Transactions {
		transactions = append(transactions, transactionPayload{
			TransactionID:     transaction.TransactionID,
			Type:              string(transaction.Type),
			AmountCents:       transaction.AmountCents.Int64(),
			BalanceAfterCents: transaction.BalanceAfterCents.Int64(),
			ReferenceID:       transaction.ReferenceID,
			ReferenceType:     transaction.ReferenceType,
			CreatedUnixUTC:    transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet": walletPayload{
			EsproCoinsCents:         view.Wallet.CoinsCents.Int64(),
			LifetimeEsproCoinsCents: view.Wallet.LifetimeCoinsCents.Int64(),
		},
		"transactions": transactions,
	})
}

func (handler *httpHandler) handleClaims(ctx *gin.Context) {
	userID, err := redemption.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	claims, err := handler.service.Claims(ctx.Request.Context(), userID, handler.cfg.ClaimsListLimit)
	if err != nil {
		handler.logger.Error("claims fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected error"))
		return
	}
	payloads := make([]claimPayload, 0, len(claims))
	for _, claim := range claims {
		payloads = append(payloads, claimPayloadFrom(claim))
	}
	ctx.JSON(http.StatusOK, gin.H{"claims": payloads})
}

// claimPayload returns the claim to its owner, voucher code included. Reward
// references never embed the remaining pool.
type claimPayload struct {
	ClaimID        string `json:"claim_id"`
	RewardID       string `json:"reward_id"`
	VoucherCode    string `json:"voucher_code,omitempty"`
	CoinsDeducted  int64  `json:"coins_deducted_cents"`
	IsUsed         bool   `json:"is_used"`
	UsedUnixUTC    int64  `json:"used_unix_utc,omitempty"`
	ClaimedUnixUTC int64  `json:"claimed_unix_utc"`
}

func claimPayloadFrom(claim redemption.Claim) claimPayload {
	return claimPayload{
		ClaimID:        claim.ClaimID,
		RewardID:       claim.RewardID,
		VoucherCode:    claim.VoucherCode,
		CoinsDeducted:  claim.CoinsDeducted.Int64(),
		IsUsed:         claim.IsUsed,
		UsedUnixUTC:    claim.UsedAtUnixUTC,
		ClaimedUnixUTC: claim.ClaimedAtUnixUTC,
	}
}

type walletPayload struct {
	EsproCoinsCents         int64 `json:"espro_coins_cents"`
	LifetimeEsproCoinsCents int64 `json:"lifetime_espro_coins_cents"`
}

type transactionPayload struct {
	TransactionID     string `json:"transaction_id"`
	Type              string `json:"type"`
	AmountCents       int64  `json:"amount_cents"`
	BalanceAfterCents int64  `json:"balance_after_cents"`
	ReferenceID       string `json:"reference_id,omitempty"`
	ReferenceType     string `json:"reference_type,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
