package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/internal/collateral/domain"
)

func TestMemoryCustodyTransfers(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	c := NewMemoryCustody()
	c.Fund("alice", decimal.NewFromInt(100))

	r.NoError(c.TransferIn(ctx, "alice", decimal.NewFromInt(60)))
	r.True(decimal.NewFromInt(40).Equal(c.BalanceOf("alice")))
	r.True(decimal.NewFromInt(60).Equal(c.Vault()))

	err := c.TransferIn(ctx, "alice", decimal.NewFromInt(41))
	var cerr *domain.CustodyError
	r.True(errors.As(err, &cerr))
	r.Equal(domain.CustodyInsufficientBalance, cerr.Code)

	r.NoError(c.TransferOut(ctx, "bob", decimal.NewFromInt(60)))
	r.True(decimal.NewFromInt(60).Equal(c.BalanceOf("bob")))
	r.True(c.Vault().IsZero())

	err = c.TransferOut(ctx, "bob", decimal.NewFromInt(1))
	r.True(errors.As(err, &cerr))
	r.Equal(domain.CustodyRejected, cerr.Code)
}

func TestMemoryCustodyRestoreVault(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	c := NewMemoryCustody()
	var _ domain.VaultRestorer = c

	err := c.TransferOut(ctx, "alice", decimal.NewFromInt(100))
	r.Error(err)

	c.RestoreVault(decimal.NewFromInt(100100))
	r.NoError(c.TransferOut(ctx, "alice", decimal.NewFromInt(100)))
	r.True(decimal.NewFromInt(100000).Equal(c.Vault()))
	r.True(decimal.NewFromInt(100).Equal(c.BalanceOf("alice")))
}
