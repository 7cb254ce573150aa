package seq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

// The wire format below is the fuzzing backend's corpus file format: a JSON
// array of transactions with tagged ABI arguments. Sequences written by the
// store must load unchanged in the fuzzer and vice versa.

type wireTx struct {
	Call     wireCall  `json:"_call"`
	Delay    [2]string `json:"_delay"` // [timestamp increment, block number increment], hex
	Src      string    `json:"_src"`
	Dst      string    `json:"_dst"`
	Value    string    `json:"_value"`
	Gas      string    `json:"_gas'"`
	GasPrice string    `json:"_gasprice'"`
}

type wireCall struct {
	Tag      string          `json:"tag"`
	Contents json.RawMessage `json:"contents,omitempty"`
}

type wireArg struct {
	Tag      string          `json:"tag"`
	Contents json.RawMessage `json:"contents"`
}

// Encode renders the sequence in the backend corpus format.
func (s *TransactionSequence) Encode() ([]byte, error) {
	txs := make([]wireTx, len(s.calls))
	for i := range s.calls {
		tx, err := encodeTx(&s.calls[i])
		if err != nil {
			return nil, xerrors.Errorf("encode call %d: %w", i, err)
		}
		txs[i] = tx
	}
	return json.Marshal(txs)
}

// Decode parses a backend corpus file into a sequence.
func Decode(data []byte) (*TransactionSequence, error) {
	var txs []wireTx
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, xerrors.Errorf("seq: malformed corpus input: %w", err)
	}
	calls := make([]CallRecord, len(txs))
	for i := range txs {
		c, err := decodeTx(&txs[i])
		if err != nil {
			return nil, xerrors.Errorf("decode call %d: %w", i, err)
		}
		calls[i] = c
	}
	return New(calls), nil
}

func encodeTx(c *CallRecord) (wireTx, error) {
	tx := wireTx{
		Delay:    [2]string{hexUint(c.TimeDelay), hexUint(c.BlockDelay)},
		Src:      strings.ToLower(c.Sender.Hex()),
		Dst:      strings.ToLower(c.Target.Hex()),
		Value:    hexBig(c.Value),
		Gas:      hexBig(c.GasLimit),
		GasPrice: hexBig(c.GasPrice),
	}
	if c.IsNoCall() {
		tx.Call = wireCall{Tag: "NoCall"}
		return tx, nil
	}
	args := make([]wireArg, len(c.Args))
	for i, a := range c.Args {
		wa, err := encodeArg(a)
		if err != nil {
			return tx, err
		}
		args[i] = wa
	}
	contents, err := json.Marshal([]any{c.Function, args})
	if err != nil {
		return tx, err
	}
	tx.Call = wireCall{Tag: "SolCall", Contents: contents}
	return tx, nil
}

func decodeTx(tx *wireTx) (CallRecord, error) {
	c := CallRecord{
		Sender:   common.HexToAddress(tx.Src),
		Target:   common.HexToAddress(tx.Dst),
		Value:    parseHexBig(tx.Value),
		GasLimit: parseHexBig(tx.Gas),
		GasPrice: parseHexBig(tx.GasPrice),
	}
	c.TimeDelay = parseHexUint(tx.Delay[0])
	c.BlockDelay = parseHexUint(tx.Delay[1])

	switch tx.Call.Tag {
	case "NoCall":
		return c, nil
	case "SolCall":
	default:
		return c, xerrors.Errorf("unsupported transaction tag %q", tx.Call.Tag)
	}

	var contents []json.RawMessage
	if err := json.Unmarshal(tx.Call.Contents, &contents); err != nil {
		return c, err
	}
	if len(contents) == 0 {
		return c, xerrors.New("SolCall without a function name")
	}
	if err := json.Unmarshal(contents[0], &c.Function); err != nil {
		return c, err
	}
	if len(contents) > 1 {
		var args []wireArg
		if err := json.Unmarshal(contents[1], &args); err != nil {
			return c, err
		}
		c.Args = make([]ABIValue, len(args))
		for i, wa := range args {
			a, err := decodeArg(wa)
			if err != nil {
				return c, err
			}
			c.Args[i] = a
		}
	}
	return c, nil
}

func encodeArg(a ABIValue) (wireArg, error) {
	marshal := func(tag string, contents any) (wireArg, error) {
		raw, err := json.Marshal(contents)
		if err != nil {
			return wireArg{}, err
		}
		return wireArg{Tag: tag, Contents: raw}, nil
	}
	switch {
	case strings.HasPrefix(a.Type, "uint"):
		bits := bitWidth(a.Type, "uint")
		return marshal("AbiUInt", []any{bits, a.Value})
	case strings.HasPrefix(a.Type, "int"):
		bits := bitWidth(a.Type, "int")
		return marshal("AbiInt", []any{bits, a.Value})
	case a.Type == "address":
		return marshal("AbiAddress", a.Value)
	case a.Type == "bool":
		return marshal("AbiBool", a.Value == "true")
	case a.Type == "bytes":
		return marshal("AbiBytesDynamic", a.Value)
	case a.Type == "string":
		return marshal("AbiString", a.Value)
	case strings.HasPrefix(a.Type, "bytes"):
		n, err := strconv.Atoi(strings.TrimPrefix(a.Type, "bytes"))
		if err != nil {
			return wireArg{}, xerrors.Errorf("bad fixed bytes type %q", a.Type)
		}
		return marshal("AbiBytes", []any{n, a.Value})
	default:
		// Arrays and tuples never appear in the corpora we exchange with the
		// backends today; reject instead of guessing an encoding.
		return wireArg{}, xerrors.Errorf("unsupported argument type %q", a.Type)
	}
}

func decodeArg(wa wireArg) (ABIValue, error) {
	switch wa.Tag {
	case "AbiUInt", "AbiInt":
		var contents [2]json.RawMessage
		if err := json.Unmarshal(wa.Contents, &contents); err != nil {
			return ABIValue{}, err
		}
		var bits int
		if err := json.Unmarshal(contents[0], &bits); err != nil {
			return ABIValue{}, err
		}
		var val string
		if err := json.Unmarshal(contents[1], &val); err != nil {
			return ABIValue{}, err
		}
		base := "uint"
		if wa.Tag == "AbiInt" {
			base = "int"
		}
		return ABIValue{Type: fmt.Sprintf("%s%d", base, bits), Value: val}, nil
	case "AbiAddress":
		var val string
		if err := json.Unmarshal(wa.Contents, &val); err != nil {
			return ABIValue{}, err
		}
		return ABIValue{Type: "address", Value: val}, nil
	case "AbiBool":
		var val bool
		if err := json.Unmarshal(wa.Contents, &val); err != nil {
			return ABIValue{}, err
		}
		return ABIValue{Type: "bool", Value: strconv.FormatBool(val)}, nil
	case "AbiBytesDynamic":
		var val string
		if err := json.Unmarshal(wa.Contents, &val); err != nil {
			return ABIValue{}, err
		}
		return ABIValue{Type: "bytes", Value: val}, nil
	case "AbiString":
		var val string
		if err := json.Unmarshal(wa.Contents, &val); err != nil {
			return ABIValue{}, err
		}
		return ABIValue{Type: "string", Value: val}, nil
	case "AbiBytes":
		var contents [2]json.RawMessage
		if err := json.Unmarshal(wa.Contents, &contents); err != nil {
			return ABIValue{}, err
		}
		var n int
		if err := json.Unmarshal(contents[0], &n); err != nil {
			return ABIValue{}, err
		}
		var val string
		if err := json.Unmarshal(contents[1], &val); err != nil {
			return ABIValue{}, err
		}
		return ABIValue{Type: fmt.Sprintf("bytes%d", n), Value: val}, nil
	default:
		return ABIValue{}, xerrors.Errorf("unsupported argument tag %q", wa.Tag)
	}
}

// canonicalBytes is the preimage for the content hash. It is a flat binary
// dump of every identity-relevant field, so hashing does not depend on JSON
// key ordering or whitespace.
func (s *TransactionSequence) canonicalBytes() []byte {
	var buf bytes.Buffer
	writeStr := func(str string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(str)))
		buf.Write(n[:])
		buf.WriteString(str)
	}
	writeUint := func(v uint64) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], v)
		buf.Write(n[:])
	}
	writeUint(uint64(len(s.calls)))
	for i := range s.calls {
		c := &s.calls[i]
		writeStr(c.Function)
		writeUint(uint64(len(c.Args)))
		for _, a := range c.Args {
			writeStr(a.Type)
			writeStr(a.Value)
		}
		buf.Write(c.Sender.Bytes())
		buf.Write(c.Target.Bytes())
		writeStr(bigOrZero(c.Value).String())
		writeStr(bigOrZero(c.GasLimit).String())
		writeStr(bigOrZero(c.GasPrice).String())
		writeUint(c.BlockDelay)
		writeUint(c.TimeDelay)
	}
	return buf.Bytes()
}

func bitWidth(typ, prefix string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(typ, prefix))
	if err != nil || n == 0 {
		return 256
	}
	return n
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func hexBig(v *big.Int) string {
	return "0x" + bigOrZero(v).Text(16)
}

func parseHexBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return new(big.Int)
	}
	return v
}

func parseHexUint(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
