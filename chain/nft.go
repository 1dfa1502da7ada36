// Package chain reads capsule ownership and the list of minted capsules from
// the capsule NFT contract.
//
// The contract is an ERC-721 Enumerable token whose token ids are the capsule
// ids in decimal form, extended with delegateeOf and renteeOf views that name the
// accounts allowed to retrieve shares on the owner's behalf.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// CapsuleNFTABI is the subset of the capsule contract the node calls.
const CapsuleNFTABI = `[
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"delegateeOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"renteeOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tokenByIndex","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Backend is what the reader needs from an RPC client. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// NFTReader performs read-only calls against the capsule contract.
type NFTReader struct {
	contract *bind.BoundContract
	backend  Backend
	address  common.Address
}

func NewNFTReader(backend Backend, address common.Address) (*NFTReader, error) {
	parsed, err := abi.JSON(strings.NewReader(CapsuleNFTABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	return &NFTReader{
		contract: bind.NewBoundContract(address, parsed, backend, nil, nil),
		backend:  backend,
		address:  address,
	}, nil
}

func (r *NFTReader) Address() common.Address {
	return r.address
}

// BlockNumber returns the number of the latest block.
func (r *NFTReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.backend.BlockNumber(ctx)
}

// OwnerOf returns the owner of the capsule token.
func (r *NFTReader) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return r.callAddress(ctx, "ownerOf", tokenID)
}

// DelegateeOf returns the delegatee of the capsule token, or the zero address.
func (r *NFTReader) DelegateeOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return r.callAddress(ctx, "delegateeOf", tokenID)
}

// RenteeOf returns the account currently renting the capsule token, or the
// zero address when it is not rented.
func (r *NFTReader) RenteeOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	return r.callAddress(ctx, "renteeOf", tokenID)
}

// TotalSupply returns the number of minted capsule tokens.
func (r *NFTReader) TotalSupply(ctx context.Context) (*big.Int, error) {
	return r.callUint(ctx, "totalSupply")
}

// TokenByIndex returns the token id at an enumeration index.
func (r *NFTReader) TokenByIndex(ctx context.Context, index *big.Int) (*big.Int, error) {
	return r.callUint(ctx, "tokenByIndex", index)
}

func (r *NFTReader) callAddress(ctx context.Context, method string, params ...interface{}) (common.Address, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: unexpected output count %d", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return addr, nil
}

func (r *NFTReader) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

// TokenID converts a capsule id into the contract token id.
func TokenID(id interfaces.CapsuleID) (*big.Int, error) {
	tokenID, ok := new(big.Int).SetString(string(id), 10)
	if !ok || tokenID.Sign() < 0 {
		return nil, errors.New("capsule id is not a token id")
	}
	return tokenID, nil
}

// CapsuleIDFor renders a token id as a capsule id.
func CapsuleIDFor(tokenID *big.Int) interfaces.CapsuleID {
	return interfaces.CapsuleID(tokenID.String())
}
