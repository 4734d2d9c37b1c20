// Package sievedir locates and compiles per-user Sieve scripts stored in a
// hashed directory tree, with domain-wide and server-wide global fallbacks.
//
// Layout, for user "alice" in domain "example.com":
//
//	<root>/<h>/example.com/<h>/alice/default.sieve   user script
//	<root>/<h>/example.com/global/default.sieve      domain global
//	<root>/global/default.sieve                      server global
//
// where <h> is a single hash character spreading entries across
// subdirectories.
package sievedir

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/migadu/go-sieve"

	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/logger"
)

const DefaultScriptName = "default.sieve"

// enabledExtensions lists the extensions scripts may require. Anything a
// script requires outside this list fails to compile.
var enabledExtensions = []string{
	"envelope", "fileinto", "redirect", "encoded-character", "imap4flags",
	"variables", "relational", "vacation", "copy", "regex",
	"editheader", "mailbox",
}

type Resolver struct {
	root     string
	fullHash bool

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	mtime  time.Time
	script *sieve.Script
}

func New(root string, fullHash bool) *Resolver {
	return &Resolver{
		root:     root,
		fullHash: fullHash,
		cache:    make(map[string]*cacheEntry),
	}
}

// dirHash returns the fanout character for a name. The simple variant uses
// the lowercased first letter; the full variant spreads names across the
// whole alphabet regardless of their first character.
func (r *Resolver) dirHash(name string) string {
	if name == "" {
		return "q"
	}
	if r.fullHash {
		h := fnv.New32a()
		h.Write([]byte(strings.ToLower(name)))
		return string(rune('a' + h.Sum32()%26))
	}
	c := strings.ToLower(name)[0]
	if c < 'a' || c > 'z' {
		return "q"
	}
	return string(c)
}

// UserScriptPath returns the path of the user's active script.
func (r *Resolver) UserScriptPath(localPart, domain string) string {
	return filepath.Join(r.root, r.dirHash(domain), domain, r.dirHash(localPart), localPart, DefaultScriptName)
}

// DomainScriptPath returns the path of the domain-wide global script.
func (r *Resolver) DomainScriptPath(domain string) string {
	return filepath.Join(r.root, r.dirHash(domain), domain, "global", DefaultScriptName)
}

// GlobalScriptPath returns the path of the server-wide global script.
func (r *Resolver) GlobalScriptPath() string {
	return filepath.Join(r.root, "global", DefaultScriptName)
}

// FindScript resolves the script governing delivery for the given recipient.
// Resolution order: the user's own script, then the domain global, then the
// server global. With an empty localPart only the globals are consulted.
// Returns consts.ErrScriptUnavailable when nothing is found.
func (r *Resolver) FindScript(localPart, domain string) (string, error) {
	var candidates []string
	if localPart != "" {
		candidates = append(candidates, r.UserScriptPath(localPart, domain))
	}
	if domain != "" {
		candidates = append(candidates, r.DomainScriptPath(domain))
	}
	candidates = append(candidates, r.GlobalScriptPath())

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", consts.ErrScriptUnavailable
}

// Load compiles the script at path, reusing the cached compilation as long
// as the source is unchanged. A source newer than the cached artifact
// triggers recompilation.
func (r *Resolver) Load(path string) (*sieve.Script, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrScriptUnavailable, err)
	}

	r.mu.Lock()
	entry, ok := r.cache[path]
	r.mu.Unlock()
	if ok && entry.mtime.Equal(info.ModTime()) {
		return entry.script, nil
	}

	source, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrScriptUnavailable, err)
	}
	defer source.Close()

	options := sieve.DefaultOptions()
	options.EnabledExtensions = enabledExtensions
	script, err := sieve.Load(source, options)
	if err != nil {
		logger.Warn("SIEVE: Script failed to compile", "path", path, "error", err)
		return nil, fmt.Errorf("%w: compile %s: %v", consts.ErrScriptUnavailable, path, err)
	}

	r.mu.Lock()
	r.cache[path] = &cacheEntry{mtime: info.ModTime(), script: script}
	r.mu.Unlock()

	logger.Debug("SIEVE: Compiled script", "path", path)
	return script, nil
}

// Resolve finds and compiles the script for a recipient in one step.
func (r *Resolver) Resolve(localPart, domain string) (*sieve.Script, string, error) {
	path, err := r.FindScript(localPart, domain)
	if err != nil {
		return nil, "", err
	}
	script, err := r.Load(path)
	if err != nil {
		return nil, "", err
	}
	return script, path, nil
}
