package seq

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash identifies a TransactionSequence by content. Two sequences with the
// same calls, senders, values and block delays always hash equal.
type Hash [32]byte

// Hex returns the hash as a lowercase hex string without a 0x prefix,
// suitable for use as a corpus file name.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// ParseHash decodes a 64-char hex string produced by Hash.Hex.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("seq: bad hash %q: %v", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("seq: bad hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ABIValue is one argument of a contract call. Value keeps the fuzzer's
// stringly representation (decimal for ints, 0x-hex for addresses and bytes)
// so sequences survive a round trip through the backends' corpus files
// without re-encoding drift.
type ABIValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// CallRecord is a single transaction in a sequence. A record with an empty
// Function is a NoCall: it only advances the block number/timestamp.
type CallRecord struct {
	Function   string         `json:"function,omitempty"`
	Args       []ABIValue     `json:"args,omitempty"`
	Sender     common.Address `json:"sender"`
	Target     common.Address `json:"target"`
	Value      *big.Int       `json:"-"`
	GasLimit   *big.Int       `json:"-"`
	GasPrice   *big.Int       `json:"-"`
	BlockDelay uint64         `json:"blockDelay"`     // block number increment
	TimeDelay  uint64         `json:"timestampDelay"` // block timestamp increment
}

// IsNoCall reports whether the record carries no function call.
func (c *CallRecord) IsNoCall() bool {
	return c.Function == ""
}

// Signature returns the canonical ABI signature of the call, e.g.
// "transfer(address,uint256)".
func (c *CallRecord) Signature() string {
	types := make([]string, len(c.Args))
	for i, a := range c.Args {
		types[i] = a.Type
	}
	return fmt.Sprintf("%s(%s)", c.Function, strings.Join(types, ","))
}

// Selector returns the 4-byte function selector for the call.
func (c *CallRecord) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(c.Signature()))[:4])
	return sel
}

// TransactionSequence is an ordered list of calls. It is immutable once
// built: constructors copy their input and accessors hand out copies, so a
// sequence stored in the corpus can never be mutated behind the store's back.
type TransactionSequence struct {
	calls []CallRecord
	hash  Hash
}

// New builds a sequence from the given calls. The slice is copied.
func New(calls []CallRecord) *TransactionSequence {
	cp := make([]CallRecord, len(calls))
	copy(cp, calls)
	s := &TransactionSequence{calls: cp}
	s.hash = Hash(crypto.Keccak256Hash(s.canonicalBytes()))
	return s
}

// Len returns the number of calls in the sequence.
func (s *TransactionSequence) Len() int {
	return len(s.calls)
}

// Calls returns a copy of the call records.
func (s *TransactionSequence) Calls() []CallRecord {
	cp := make([]CallRecord, len(s.calls))
	copy(cp, s.calls)
	return cp
}

// Hash returns the content identity of the sequence.
func (s *TransactionSequence) Hash() Hash {
	return s.hash
}

// String renders the sequence as a compact call trace, one entry per call,
// for logs and violation reports.
func (s *TransactionSequence) String() string {
	parts := make([]string, len(s.calls))
	for i, c := range s.calls {
		if c.IsNoCall() {
			parts[i] = fmt.Sprintf("wait(+%db,+%dts)", c.BlockDelay, c.TimeDelay)
			continue
		}
		args := make([]string, len(c.Args))
		for j, a := range c.Args {
			args[j] = a.Value
		}
		parts[i] = fmt.Sprintf("%s(%s)", c.Function, strings.Join(args, ","))
	}
	return strings.Join(parts, " -> ")
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
