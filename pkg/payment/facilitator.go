package payment

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifyResult is returned by a successful facilitator verify call.
type VerifyResult struct {
	Payer string
}

// FacilitatorClient is the narrow external-collaborator contract the
// payment gate consumes: verify a payment payload against requirements,
// and settle it after a successful execution. The on-chain RPC behind a
// production facilitator is out of scope here; only this interface is
// specified.
type FacilitatorClient interface {
	Verify(ctx context.Context, paymentPayload, paymentRequirements []byte) (*VerifyResult, error)
	Settle(ctx context.Context, paymentPayload, paymentRequirements []byte) error
}

// eip3009Payload is the authorization shape the demo facilitator expects
// inside Payload.Raw: an EIP-3009 transferWithAuthorization, signed over
// EIP-712 typed data.
type eip3009Payload struct {
	Accepted struct {
		Network string `json:"network"`
		Asset   string `json:"asset"`
		PayTo   string `json:"payTo"`
		Amount  string `json:"amount"`
		Extra   struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"extra"`
	} `json:"accepted"`
	Payload struct {
		Signature     string `json:"signature"`
		Authorization struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Value       string `json:"value"`
			ValidAfter  string `json:"validAfter"`
			ValidBefore string `json:"validBefore"`
			Nonce       string `json:"nonce"`
		} `json:"authorization"`
	} `json:"payload"`
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// LocalFacilitator verifies an EIP-3009 transferWithAuthorization
// signature locally, standing in for the demo's on-chain facilitator.
// Settlement submission itself is delegated to a Settler collaborator,
// since the settlement RPC is explicitly out of scope for this core.
type LocalFacilitator struct {
	settler Settler
}

// Settler is the narrow on-chain submission capability LocalFacilitator
// delegates to; its transport and chain RPC are external and unspecified.
type Settler interface {
	Submit(ctx context.Context, usdcAddress common.Address, callData []byte) error
}

// NoopSettler accepts intended on-chain submissions without recording or
// dispatching them anywhere. The on-chain RPC transport behind a production
// facilitator is an external collaborator out of scope for this
// repository; this is the settlement-side analogue of the attestation
// package's stub provider, used so paid endpoints are exercisable in
// development and CI without a funded relayer.
type NoopSettler struct{}

// Submit always reports success without submitting anything on-chain.
func (NoopSettler) Submit(_ context.Context, _ common.Address, _ []byte) error {
	return nil
}

// NewLocalFacilitator constructs a facilitator that verifies signatures
// in-process and delegates on-chain settlement to settler.
func NewLocalFacilitator(settler Settler) *LocalFacilitator {
	return &LocalFacilitator{settler: settler}
}

func parseEIP3009(raw []byte) (*eip3009Payload, error) {
	var p eip3009Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payment: parsing payment payload: %w", err)
	}
	return &p, nil
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], addrPad(contract))
	return crypto.Keccak256Hash(enc)
}

func authHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], addrPad(from))
	copy(enc[64:96], addrPad(to))
	copy(enc[96:128], pad32(value))
	copy(enc[128:160], pad32(validAfter))
	copy(enc[160:192], pad32(validBefore))
	copy(enc[192:224], nonce[:])
	return crypto.Keccak256Hash(enc)
}

func eip712Digest(p *eip3009Payload) (common.Hash, [32]byte, error) {
	parts := strings.Split(p.Accepted.Network, ":")
	if len(parts) != 2 {
		return common.Hash{}, [32]byte{}, fmt.Errorf("payment: invalid network %q", p.Accepted.Network)
	}
	chainID := new(big.Int)
	if _, ok := chainID.SetString(parts[1], 10); !ok {
		return common.Hash{}, [32]byte{}, fmt.Errorf("payment: invalid chain id %q", parts[1])
	}

	usdcAddr := common.HexToAddress(p.Accepted.Asset)
	from := common.HexToAddress(p.Payload.Authorization.From)
	to := common.HexToAddress(p.Payload.Authorization.To)
	value := mustBigInt(p.Payload.Authorization.Value)
	validAfter := mustBigInt(p.Payload.Authorization.ValidAfter)
	validBefore := mustBigInt(p.Payload.Authorization.ValidBefore)

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(p.Payload.Authorization.Nonce, "0x"))
	if err != nil {
		return common.Hash{}, [32]byte{}, fmt.Errorf("payment: invalid nonce: %w", err)
	}
	var nonce [32]byte
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	ds := domainSeparator(p.Accepted.Extra.Name, p.Accepted.Extra.Version, chainID, usdcAddr)
	ah := authHash(from, to, value, validAfter, validBefore, nonce)

	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return digest, nonce, nil
}

func mustBigInt(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

// Verify checks the EIP-3009 signature and amount/payee requirements
// without touching the chain. The payee and minimum amount come from
// paymentRequirements (a marshaled Accepts) when it is non-empty, and from
// the payload's own accepted clause otherwise.
func (f *LocalFacilitator) Verify(_ context.Context, paymentPayload, paymentRequirements []byte) (*VerifyResult, error) {
	p, err := parseEIP3009(paymentPayload)
	if err != nil {
		return nil, err
	}
	reqPayTo := common.HexToAddress(p.Accepted.PayTo)
	reqAmount := mustBigInt(p.Accepted.Amount)
	if len(paymentRequirements) > 0 {
		var req Accepts
		if err := json.Unmarshal(paymentRequirements, &req); err != nil {
			return nil, fmt.Errorf("payment: parsing payment requirements: %w", err)
		}
		reqPayTo = common.HexToAddress(req.PayTo)
		reqAmount = mustBigInt(req.MaxAmountRequired)
	}

	validBefore := mustBigInt(p.Payload.Authorization.ValidBefore)
	if validBefore.Int64() < time.Now().Unix() {
		return nil, fmt.Errorf("payment: authorization expired")
	}

	digest, _, err := eip712Digest(p)
	if err != nil {
		return nil, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Payload.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("payment: invalid signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("payment: recover signer: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("payment: unmarshal signer pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	expected := common.HexToAddress(p.Payload.Authorization.From)
	if recovered != expected {
		return nil, fmt.Errorf("payment: signature does not match claimed payer")
	}

	authTo := common.HexToAddress(p.Payload.Authorization.To)
	if authTo != reqPayTo {
		return nil, fmt.Errorf("payment: payTo mismatch")
	}

	authValue := mustBigInt(p.Payload.Authorization.Value)
	if authValue.Cmp(reqAmount) < 0 {
		return nil, fmt.Errorf("payment: authorized amount below required amount")
	}

	return &VerifyResult{Payer: recovered.Hex()}, nil
}

// Settle builds the transferWithAuthorization call data and hands it to
// the configured on-chain Settler.
func (f *LocalFacilitator) Settle(ctx context.Context, paymentPayload, _ []byte) error {
	p, err := parseEIP3009(paymentPayload)
	if err != nil {
		return err
	}
	_, nonce32, err := eip712Digest(p)
	if err != nil {
		return err
	}

	from := common.HexToAddress(p.Payload.Authorization.From)
	to := common.HexToAddress(p.Payload.Authorization.To)
	value := mustBigInt(p.Payload.Authorization.Value)
	validAfter := mustBigInt(p.Payload.Authorization.ValidAfter)
	validBefore := mustBigInt(p.Payload.Authorization.ValidBefore)
	usdcAddr := common.HexToAddress(p.Accepted.Asset)

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Payload.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("payment: invalid signature for settlement")
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	callData := packTransferWithAuth(from, to, value, validAfter, validBefore, nonce32, v, r, s)

	if f.settler == nil {
		return fmt.Errorf("payment: no settler configured")
	}
	return f.settler.Submit(ctx, usdcAddr, callData)
}

var transferWithAuthSig = crypto.Keccak256([]byte(
	"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)",
))[:4]

// packTransferWithAuth ABI-encodes the USDC transferWithAuthorization
// call by hand, avoiding a runtime abi.JSON parse for a single fixed
// signature.
func packTransferWithAuth(
	from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r, s [32]byte,
) []byte {
	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSig)
	offset := 4
	copy(data[offset+12:offset+32], from.Bytes())
	offset += 32
	copy(data[offset+12:offset+32], to.Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(value))
	offset += 32
	copy(data[offset:offset+32], pad32(validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(validBefore))
	offset += 32
	copy(data[offset:offset+32], nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data
}
