package redemption

import "context"

// Wallet returns the member's balance and recent points transactions.
func (service *Service) Wallet(ctx context.Context, userID UserID, historyLimit int) (WalletView, error) {
	wallet, err := service.store.GetUserWallet(ctx, userID.String())
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationWallet, UserID: userID, Error: err})
		return WalletView{}, err
	}
	transactions, err := service.store.ListPointsTransactions(ctx, userID.String(), historyLimit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationWallet, UserID: userID, Error: err})
		return WalletView{}, err
	}
	return WalletView{Wallet: wallet, Transactions: transactions}, nil
}

// Claims lists the member's claims, newest first.
func (service *Service) Claims(ctx context.Context, userID UserID, limit int) ([]Claim, error) {
	claims, err := service.store.ListClaims(ctx, userID.String(), limit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationClaims, UserID: userID, Error: err})
		return nil, err
	}
	return claims, nil
}
