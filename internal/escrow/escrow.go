// Package escrow defines the on-chain funding collaborator consumed by the
// dispatcher (spec §4.4, §6.4). The core never implements escrow or
// payment-signature cryptography itself — it only validates and confirms
// through this interface. The Ethereum-backed implementation is grounded on
// the go-ethereum client-construction pattern (ethclient.Dial,
// crypto.HexToECDSA, bind.NewKeyedTransactorWithChainID) used throughout
// the retrieval pack's submitter-style helpers.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ValidationResult is the outcome of EscrowClient.Validate.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// EscrowClient is the collaborator the core consumes; the settlement
// contract's ABI and deployment are out of scope (spec §1).
type EscrowClient interface {
	Validate(ctx context.Context, escrowRef string, providerIdentity string) (ValidationResult, error)
	ConfirmDelivery(ctx context.Context, escrowRef string, outputHash [32]byte) (txRef string, err error)
}

// minimal ABI for the two operations the core needs from the escrow
// contract. A real deployment's full ABI is out of scope; only the two
// call signatures the dispatcher invokes are declared here.
const escrowABIJSON = `[
	{"name":"validate","type":"function","stateMutability":"view",
	 "inputs":[{"name":"ref","type":"uint256"},{"name":"provider","type":"string"}],
	 "outputs":[{"name":"valid","type":"bool"},{"name":"reason","type":"string"}]},
	{"name":"confirmDelivery","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"ref","type":"uint256"},{"name":"outputHash","type":"bytes32"}],
	 "outputs":[]}
]`

// EthEscrowClient is the real, network-backed EscrowClient implementation.
type EthEscrowClient struct {
	client      *ethclient.Client
	contract    *bind.BoundContract
	address     common.Address
	auth        *bind.TransactOpts
	providerDID string
	log         *zap.Logger
}

// NewEthEscrowClient dials rpcURL and binds the escrow contract at
// contractAddress, signing outgoing transactions with privateKeyHex (the
// same executor/provider signing key described in spec §6.6).
func NewEthEscrowClient(ctx context.Context, rpcURL, contractAddress, privateKeyHex, providerDID string, log *zap.Logger) (*EthEscrowClient, error) {
	parsedABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("escrow: parse abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("escrow: dial rpc %s: %w", rpcURL, err)
	}

	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("escrow: invalid private key: %w", err)
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		client.Close()
		return nil, fmt.Errorf("escrow: unable to derive public key")
	}
	_ = crypto.PubkeyToAddress(*pub)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("escrow: fetch chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("escrow: build transactor: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	contract := bind.NewBoundContract(addr, parsedABI, client, client, client)

	return &EthEscrowClient{
		client:      client,
		contract:    contract,
		address:     addr,
		auth:        auth,
		providerDID: providerDID,
		log:         log,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EthEscrowClient) Close() {
	c.client.Close()
}

// Validate calls the contract's read-only validate method (spec §4.4 step 1).
func (c *EthEscrowClient) Validate(ctx context.Context, escrowRef string, providerIdentity string) (ValidationResult, error) {
	ref, ok := new(big.Int).SetString(escrowRef, 10)
	if !ok {
		return ValidationResult{}, fmt.Errorf("escrow: ref %q is not a decimal integer", escrowRef)
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "validate", ref, providerIdentity); err != nil {
		return ValidationResult{}, fmt.Errorf("escrow: validate call: %w", err)
	}
	if len(out) != 2 {
		return ValidationResult{}, fmt.Errorf("escrow: unexpected validate() return shape")
	}
	valid, _ := out[0].(bool)
	reason, _ := out[1].(string)
	return ValidationResult{Valid: valid, Reason: reason}, nil
}

// ConfirmDelivery sends the delivery-confirmation transaction (spec §4.4
// step 3c). Retry/backoff around this call is the dispatcher's
// responsibility, not the collaborator's.
func (c *EthEscrowClient) ConfirmDelivery(ctx context.Context, escrowRef string, outputHash [32]byte) (string, error) {
	ref, ok := new(big.Int).SetString(escrowRef, 10)
	if !ok {
		return "", fmt.Errorf("escrow: ref %q is not a decimal integer", escrowRef)
	}

	txOpts := *c.auth
	txOpts.Context = ctx

	tx, err := c.contract.Transact(&txOpts, "confirmDelivery", ref, outputHash)
	if err != nil {
		return "", fmt.Errorf("escrow: confirmDelivery transact: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitMined blocks until a previously submitted confirmation transaction is
// included, surfacing the final status for logging. Not required by the
// core's happy path (confirm_delivery failures are swallowed per spec §7),
// but useful for operator diagnostics.
func (c *EthEscrowClient) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// FakeEscrowClient is an in-memory EscrowClient for tests, matching spec
// §9's "mock-friendly collaborators" design note.
type FakeEscrowClient struct {
	Results map[string]ValidationResult
	Confirmed map[string][32]byte
}

// NewFakeEscrowClient builds a FakeEscrowClient with canned validation
// outcomes keyed by escrow ref.
func NewFakeEscrowClient(results map[string]ValidationResult) *FakeEscrowClient {
	return &FakeEscrowClient{
		Results:   results,
		Confirmed: make(map[string][32]byte),
	}
}

func (f *FakeEscrowClient) Validate(_ context.Context, escrowRef string, _ string) (ValidationResult, error) {
	r, ok := f.Results[escrowRef]
	if !ok {
		return ValidationResult{Valid: false, Reason: "UNKNOWN_REF"}, nil
	}
	return r, nil
}

func (f *FakeEscrowClient) ConfirmDelivery(_ context.Context, escrowRef string, outputHash [32]byte) (string, error) {
	f.Confirmed[escrowRef] = outputHash
	return fmt.Sprintf("fake-tx-%s", escrowRef), nil
}

// MarshalJSON lets tests snapshot a FakeEscrowClient's confirmations for
// assertions without reaching into its internals directly.
func (f *FakeEscrowClient) MarshalJSON() ([]byte, error) {
	type alias struct {
		Confirmed map[string]string `json:"confirmed"`
	}
	out := alias{Confirmed: make(map[string]string, len(f.Confirmed))}
	for k, v := range f.Confirmed {
		out.Confirmed[k] = common.Bytes2Hex(v[:])
	}
	return json.Marshal(out)
}
