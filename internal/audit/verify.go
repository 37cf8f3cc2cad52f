package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult reports a chain verification outcome. When the chain is
// broken, BrokenKind and BrokenDecisionID identify the governance event
// at the break so an operator can tell which decision's trail was
// touched without opening the file.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	Lines            int    `json:"lines"`
	Error            string `json:"error,omitempty"`
	ErrorLine        int    `json:"error_line,omitempty"`
	BrokenKind       string `json:"broken_kind,omitempty"`
	BrokenDecisionID string `json:"broken_decision_id,omitempty"`
}

// Verify walks the JSONL log and checks that every entry's prev_hash
// equals the hash of the line before it, starting from GenesisHash.
func Verify(path string) VerifyResult {
	res := VerifyResult{}
	expect := GenesisHash

	err := walk(path, func(lineNum int, line []byte, e Entry, decodeErr error) error {
		if decodeErr != nil {
			return breakAt(&res, lineNum, e, fmt.Sprintf("undecodable entry: %v", decodeErr))
		}
		if e.PrevHash != expect {
			what := fmt.Sprintf("prev_hash %s does not match %s", e.PrevHash, expect)
			if lineNum == 1 {
				what = fmt.Sprintf("first entry prev_hash %s is not the genesis hash", e.PrevHash)
			}
			return breakAt(&res, lineNum, e, what)
		}
		expect = HashLine(line)
		res.Lines = lineNum
		return nil
	})
	if err != nil {
		if res.Error != "" {
			return res
		}
		return VerifyResult{Error: err.Error()}
	}

	res.Valid = true
	return res
}

// Tail returns the newest n entries of the log, oldest first. Entries
// that fail to decode are skipped; Verify is the integrity check, Tail
// is for reading.
func Tail(path string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Entry
	err := walk(path, func(_ int, _ []byte, e Entry, decodeErr error) error {
		if decodeErr != nil {
			return nil
		}
		out = append(out, e)
		if len(out) > n {
			out = out[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walk feeds each log line to fn with its decoded entry. The line slice
// is owned by the callback for the duration of the call only.
func walk(path string, fn func(lineNum int, line []byte, e Entry, decodeErr error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		var e Entry
		decodeErr := json.Unmarshal(line, &e)
		if err := fn(lineNum, line, e, decodeErr); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	return nil
}

func breakAt(res *VerifyResult, lineNum int, e Entry, what string) error {
	res.Error = what
	res.ErrorLine = lineNum
	res.BrokenKind = e.Kind
	res.BrokenDecisionID = e.DecisionID
	return fmt.Errorf("chain broken at line %d: %s", lineNum, what)
}
