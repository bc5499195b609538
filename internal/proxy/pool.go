// Package proxy holds the egress addresses used for direct logins.
package proxy

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

// Pool is an immutable list of proxy URLs with a random picker.
type Pool struct {
	mu    sync.Mutex
	addrs []string
	rng   *rand.Rand
}

// New builds a pool. A nil rng is seeded from the clock.
func New(addrs []string, rng *rand.Rand) *Pool {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cp := append([]string(nil), addrs...)
	return &Pool{addrs: cp, rng: rng}
}

// Parse reads one address per line, skipping blanks and '#' comments.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// Load reads a proxy file. A missing file yields an empty pool.
func Load(path string, rng *rand.Rand) (*Pool, error) {
	if path == "" {
		return New(nil, rng), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(nil, rng), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	addrs, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return New(addrs, rng), nil
}

// Next returns a uniformly random address, or false when the pool is empty.
func (p *Pool) Next() (string, bool) {
	if p == nil || len(p.addrs) == 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrs[p.rng.Intn(len(p.addrs))], true
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.addrs)
}
