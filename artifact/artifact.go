// Package artifact consumes the output of the external compiler/analyzer: a
// crytic-export style combined JSON artifact with per-contract bytecode and
// ABI, plus optional function-relation metadata used to seed the corpus.
// Nothing here compiles or analyzes anything itself.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("artifact")

// DefaultTarget is the address the fuzzing backend deploys the analyzed
// contract at. Coverage points and seed sequences use it so both backends
// interpret locations consistently.
var DefaultTarget = common.HexToAddress("0x00a329c0648769A73afAc7F9381E08FB43dBEA72")

// CompileError signals an unusable compiled artifact. It is fatal and aborts
// the run before any round starts.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile artifact %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Function is one callable entry point of the analyzed contract.
type Function struct {
	Name     string
	Inputs   []string // canonical ABI type strings
	Mutating bool     // writes contract state (not view/pure)
}

// Signature returns the canonical ABI signature.
func (f *Function) Signature() string {
	return fmt.Sprintf("%s(%s)", f.Name, strings.Join(f.Inputs, ","))
}

// Artifact is the loaded contract plus the analyzer's call-graph metadata.
type Artifact struct {
	ContractName string
	Bytecode     []byte
	ABI          abi.ABI
	Functions    []Function
	// Impacts maps a function name to the functions whose state writes it
	// reads: the analyzer's dataflow relation, used to build seed sequences.
	Impacts map[string][]string
}

// Function returns the named function, or nil.
func (a *Artifact) Function(name string) *Function {
	for i := range a.Functions {
		if a.Functions[i].Name == name {
			return &a.Functions[i]
		}
	}
	return nil
}

// combinedJSON mirrors the solc combined-json layout emitted under
// crytic-export, with an optional "relations" extension from the analyzer.
type combinedJSON struct {
	Contracts map[string]struct {
		Bin string          `json:"bin"`
		ABI json.RawMessage `json:"abi"`
	} `json:"contracts"`
	Relations map[string][]string `json:"relations,omitempty"`
}

// Load parses a combined artifact file and selects one contract. When name
// is empty the artifact must contain exactly one contract; otherwise the
// error lists what is available. Contract keys have the "path:Name" form.
func Load(path, name string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CompileError{Path: path, Err: err}
	}
	var combined combinedJSON
	if err := json.Unmarshal(data, &combined); err != nil {
		return nil, &CompileError{Path: path, Err: xerrors.Errorf("malformed artifact: %w", err)}
	}
	if len(combined.Contracts) == 0 {
		return nil, &CompileError{Path: path, Err: xerrors.New("artifact contains no contracts")}
	}

	available := make([]string, 0, len(combined.Contracts))
	for key := range combined.Contracts {
		available = append(available, contractName(key))
	}
	sort.Strings(available)

	if name == "" {
		if len(combined.Contracts) > 1 {
			return nil, &CompileError{Path: path, Err: xerrors.Errorf(
				"multiple contracts in artifact, specify one of: %s", strings.Join(available, ", "))}
		}
		name = available[0]
	}

	for key, c := range combined.Contracts {
		if contractName(key) != name {
			continue
		}
		parsed, err := abi.JSON(strings.NewReader(string(c.ABI)))
		if err != nil {
			return nil, &CompileError{Path: path, Err: xerrors.Errorf("contract %s: bad ABI: %w", name, err)}
		}
		a := &Artifact{
			ContractName: name,
			Bytecode:     common.FromHex(c.Bin),
			ABI:          parsed,
			Impacts:      combined.Relations,
		}
		if a.Impacts == nil {
			a.Impacts = make(map[string][]string)
		}
		a.Functions = functionsFromABI(parsed)
		log.Infow("loaded contract artifact", "contract", name, "functions", len(a.Functions),
			"bytecode", len(a.Bytecode), "relations", len(a.Impacts))
		return a, nil
	}
	return nil, &CompileError{Path: path, Err: xerrors.Errorf(
		"contract %s not found, available: %s", name, strings.Join(available, ", "))}
}

func contractName(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func functionsFromABI(parsed abi.ABI) []Function {
	fns := make([]Function, 0, len(parsed.Methods))
	for _, m := range parsed.Methods {
		inputs := make([]string, len(m.Inputs))
		for i, in := range m.Inputs {
			inputs[i] = in.Type.String()
		}
		fns = append(fns, Function{
			Name:     m.Name,
			Inputs:   inputs,
			Mutating: m.StateMutability != "view" && m.StateMutability != "pure",
		})
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns
}
