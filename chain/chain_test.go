package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContract answers eth_call requests for the capsule contract from memory.
type fakeContract struct {
	abi       abi.ABI
	tokens    []*big.Int
	owners    map[string]common.Address
	delegates map[string]common.Address
	rentees   map[string]common.Address
	block     uint64
	failAt    int
}

func newFakeContract(t *testing.T) *fakeContract {
	parsed, err := abi.JSON(strings.NewReader(CapsuleNFTABI))
	require.NoError(t, err)
	return &fakeContract{
		abi:       parsed,
		owners:    make(map[string]common.Address),
		delegates: make(map[string]common.Address),
		rentees:   make(map[string]common.Address),
		failAt:    -1,
	}
}

func (f *fakeContract) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeContract) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "ownerOf":
		return method.Outputs.Pack(f.owners[args[0].(*big.Int).String()])
	case "delegateeOf":
		return method.Outputs.Pack(f.delegates[args[0].(*big.Int).String()])
	case "renteeOf":
		return method.Outputs.Pack(f.rentees[args[0].(*big.Int).String()])
	case "totalSupply":
		return method.Outputs.Pack(big.NewInt(int64(len(f.tokens))))
	case "tokenByIndex":
		i := int(args[0].(*big.Int).Int64())
		if i == f.failAt {
			return nil, errors.New("rpc timeout")
		}
		if i >= len(f.tokens) {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(f.tokens[i])
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

func (f *fakeContract) BlockNumber(ctx context.Context) (uint64, error) {
	return f.block, nil
}

func TestNFTReader(t *testing.T) {
	ctx := context.Background()
	fake := newFakeContract(t)
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegatee := common.HexToAddress("0x2222222222222222222222222222222222222222")
	fake.owners["42"] = owner
	fake.delegates["42"] = delegatee
	rentee := common.HexToAddress("0x3333333333333333333333333333333333333333")
	fake.rentees["42"] = rentee
	fake.block = 1234

	reader, err := NewNFTReader(fake, common.HexToAddress("0xc0ffee"))
	require.NoError(t, err)

	got, err := reader.OwnerOf(ctx, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	got, err = reader.DelegateeOf(ctx, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, delegatee, got)

	got, err = reader.DelegateeOf(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, got)

	got, err = reader.RenteeOf(ctx, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, rentee, got)

	got, err = reader.RenteeOf(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, got)

	block, err := reader.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), block)
}

func TestIndexerEnumeratesTokens(t *testing.T) {
	fake := newFakeContract(t)
	fake.tokens = []*big.Int{big.NewInt(3), big.NewInt(10), big.NewInt(11)}

	reader, err := NewNFTReader(fake, common.HexToAddress("0xc0ffee"))
	require.NoError(t, err)
	ix := NewIndexer(reader, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var ids []interfaces.CapsuleID
	err = ix.ListExpectedCapsules(context.Background(), func(id interfaces.CapsuleID) error {
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.CapsuleID{"3", "10", "11"}, ids)

	fake.failAt = 1
	ids = nil
	err = ix.ListExpectedCapsules(context.Background(), func(id interfaces.CapsuleID) error {
		ids = append(ids, id)
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, []interfaces.CapsuleID{"3"}, ids)
}

func TestStaticIndexer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsules.txt")
	require.NoError(t, os.WriteFile(path, []byte("# minted\n1\n\n  2  \n#3\nabc\n"), 0o600))

	var ids []interfaces.CapsuleID
	err := NewStaticIndexer(path).ListExpectedCapsules(context.Background(), func(id interfaces.CapsuleID) error {
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.CapsuleID{"1", "2", "abc"}, ids)

	err = NewStaticIndexer(filepath.Join(t.TempDir(), "missing")).ListExpectedCapsules(context.Background(), func(interfaces.CapsuleID) error { return nil })
	assert.Error(t, err)
}

func TestTokenID(t *testing.T) {
	id, err := TokenID("12345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", id.String())
	assert.Equal(t, interfaces.CapsuleID("12345678901234567890"), CapsuleIDFor(id))

	_, err = TokenID("abc")
	assert.Error(t, err)
	_, err = TokenID("-1")
	assert.Error(t, err)
}
