// Package universe builds the list of symbols a backtest runs over and keeps
// the blacklist and faulty lists on disk.
package universe

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Universe reads exchange listings from <ResDir>/<exchange>.csv.
type Universe struct {
	ResDir        string
	Exchanges     []string
	BlacklistPath string
	FaultyPath    string

	mu sync.Mutex // guards the JSON list files
}

// New creates a Universe.
func New(resDir string, exchanges []string, blacklistPath, faultyPath string) *Universe {
	return &Universe{
		ResDir:        resDir,
		Exchanges:     exchanges,
		BlacklistPath: blacklistPath,
		FaultyPath:    faultyPath,
	}
}

// Symbols returns the sorted, deduplicated listing of every exchange minus
// index and sub-class tickers and minus the blacklist. A non-empty explicit
// list is used instead of the listings but is still filtered.
func (u *Universe) Symbols(explicit []string) ([]string, error) {
	blacklist, err := u.Blacklist()
	if err != nil {
		return nil, err
	}
	banned := make(map[string]struct{}, len(blacklist))
	for _, s := range blacklist {
		banned[s] = struct{}{}
	}

	candidates := explicit
	if len(candidates) == 0 {
		for _, ex := range u.Exchanges {
			syms, err := LoadCSVSymbols(filepath.Join(u.ResDir, ex+".csv"))
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, syms...)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, s := range candidates {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || strings.ContainsAny(s, ".^~") {
			continue
		}
		if _, ok := banned[s]; ok {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// LoadCSVSymbols reads the first column ("symbol") from a CSV file and returns
// all symbols found. The file must have a header row. Lines starting with #
// are comments.
func LoadCSVSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}

	if len(records) < 2 {
		return nil, nil
	}

	symbols := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) > 0 {
			sym := strings.TrimSpace(row[0])
			if sym != "" {
				symbols = append(symbols, strings.ToUpper(sym))
			}
		}
	}
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Blacklist and faulty lists
// ---------------------------------------------------------------------------

// Blacklist returns the symbols excluded from every run.
func (u *Universe) Blacklist() ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return readList(u.BlacklistPath)
}

// AddBlacklist appends symbols to the blacklist.
func (u *Universe) AddBlacklist(symbols ...string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return appendList(u.BlacklistPath, symbols)
}

// Faulty returns the symbols whose prices were found invalid since the last
// repair.
func (u *Universe) Faulty() ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return readList(u.FaultyPath)
}

// AddFaulty appends symbols to the faulty list.
func (u *Universe) AddFaulty(symbols ...string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return appendList(u.FaultyPath, symbols)
}

// ClearFaulty empties the faulty list.
func (u *Universe) ClearFaulty() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return writeList(u.FaultyPath, []string{})
}

func readList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return list, nil
}

func appendList(path string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	list, err := readList(path)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(list))
	for _, s := range list {
		have[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := have[s]; !ok {
			have[s] = struct{}{}
			list = append(list, s)
		}
	}
	return writeList(path, list)
}

func writeList(path string, list []string) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
