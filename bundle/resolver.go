package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/LaCreArthur/claude-bridge/logger"
	"github.com/LaCreArthur/claude-bridge/paths"
)

// ExtractionState tracks where a bundle version is in its extraction
// lifecycle. Failed is sticky for a given signature: the same broken
// archive is never silently retried.
type ExtractionState int

const (
	StateNotStarted ExtractionState = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s ExtractionState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the outcome of a resolve: the runtime directory on success.
type Result struct {
	Dir string
	Err error
}

// Options configures a Resolver. Zero-value fields fall back to discovery:
// empty ArchivePath looks next to the executable, empty CacheDir uses the
// standard data directory.
type Options struct {
	// OverrideDir short-circuits resolution entirely when it points at a
	// valid runtime directory.
	OverrideDir string
	// ArchivePath is the bundled runtime zip shipped with the host plugin.
	ArchivePath string
	// Version pins the bundle version; empty derives it from the archive
	// filename.
	Version string
	// CacheDir is where extracted runtimes live, one subdirectory per
	// version.
	CacheDir string
}

// Resolver produces a ready-to-run runtime directory. It is safe for
// concurrent use: overlapping resolves of the same bundle join a single
// extraction.
type Resolver struct {
	opts  Options
	group singleflight.Group

	mu     sync.Mutex
	states map[string]ExtractionState // keyed by signature
}

// NewResolver returns a resolver over the given options.
func NewResolver(opts Options) *Resolver {
	return &Resolver{
		opts:   opts,
		states: make(map[string]ExtractionState),
	}
}

// State reports the extraction state for a signature.
func (r *Resolver) State(signature string) ExtractionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[signature]
}

// ClearState resets a failed signature so the next resolve retries the
// extraction. Failure is otherwise sticky: the same broken archive is not
// retried implicitly.
func (r *Resolver) ClearState(signature string) {
	r.mu.Lock()
	if r.states[signature] == StateFailed {
		delete(r.states, signature)
	}
	r.mu.Unlock()
}

func (r *Resolver) setState(signature string, s ExtractionState) {
	r.mu.Lock()
	r.states[signature] = s
	r.mu.Unlock()
}

// Resolve returns the runtime directory, extracting the bundled archive if
// needed. Blocks until resolution finishes or ctx is done; a context abort
// does not cancel an in-flight extraction, which other resolvers may be
// waiting on.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	select {
	case res := <-r.ResolveAsync():
		return res.Dir, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveAsync starts resolution and returns a channel that yields exactly
// one Result. Safe to call from the UI thread; the extraction itself runs
// on a background goroutine shared by all concurrent callers.
func (r *Resolver) ResolveAsync() <-chan Result {
	out := make(chan Result, 1)
	go func() {
		dir, err := r.resolve()
		out <- Result{Dir: dir, Err: err}
	}()
	return out
}

func (r *Resolver) resolve() (string, error) {
	log := logger.WithComponent("bundle")

	// 1. Explicit override wins when valid. An invalid override is a
	// warning, not a failure: resolution continues down the chain.
	if dir := r.opts.OverrideDir; dir != "" {
		if Validate(dir) {
			log.Info("using runtime override", "dir", dir)
			return dir, nil
		}
		log.Warn("runtime override is not a valid runtime directory, ignoring", "dir", dir)
	}

	// 2. Bundled archive: reuse the cached extraction when the signature
	// still matches, otherwise extract (joining any in-flight extraction).
	archivePath := r.archivePath()
	if archivePath != "" {
		dir, err := r.resolveArchive(archivePath, log)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, ErrRuntimeUnavailable) {
			return "", err
		}
	}

	// 3. A previously extracted cache directory still works when the
	// archive has since disappeared.
	if dir := r.newestCached(); dir != "" {
		log.Info("using cached runtime, archive absent", "dir", dir)
		return dir, nil
	}

	// 4. Last resort: a globally installed runtime package.
	if dir := findInstalledRuntime(); dir != "" {
		log.Info("using globally installed runtime", "dir", dir)
		return dir, nil
	}

	return "", ErrRuntimeUnavailable
}

func (r *Resolver) resolveArchive(archivePath string, log *slog.Logger) (string, error) {
	b, err := Describe(archivePath, r.opts.Version)
	if err != nil {
		log.Warn("cannot stat runtime archive", "path", archivePath, "error", err)
		return "", ErrRuntimeUnavailable
	}

	cacheDir, err := r.cacheDir()
	if err != nil {
		return "", err
	}
	target := filepath.Join(cacheDir, b.Version)
	sig := b.Signature()

	if readSignature(target) == sig && Validate(target) {
		r.setState(sig, StateCompleted)
		return target, nil
	}

	r.mu.Lock()
	if r.states[sig] == StateFailed {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: extraction of %s previously failed", ErrExtractionFailed, sig)
	}
	r.mu.Unlock()

	// Concurrent resolves of the same signature join this one extraction.
	ch := r.group.DoChan(sig, func() (interface{}, error) {
		r.setState(sig, StateInProgress)
		if err := Extract(b, target); err != nil {
			r.setState(sig, StateFailed)
			return nil, err
		}
		if !Validate(target) {
			r.setState(sig, StateFailed)
			return nil, fmt.Errorf("%w: extracted archive is not a valid runtime", ErrExtractionFailed)
		}
		r.setState(sig, StateCompleted)
		return target, nil
	})

	res := <-ch
	if res.Err != nil {
		return "", res.Err
	}
	return res.Val.(string), nil
}

// archivePath returns the configured archive, or one discovered next to the
// executable.
func (r *Resolver) archivePath() string {
	if r.opts.ArchivePath != "" {
		return r.opts.ArchivePath
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(exe), "claude-runtime-*.zip"))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

func (r *Resolver) cacheDir() (string, error) {
	if r.opts.CacheDir != "" {
		return r.opts.CacheDir, nil
	}
	return paths.RuntimeCacheDir()
}

// versionLess orders dotted version strings numerically per segment, so
// "1.0.9" sorts below "1.0.10". Non-numeric segments fall back to string
// order; a shorter version is the lesser when all shared segments match.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return an < bn
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}

// newestCached returns the highest-versioned valid runtime directory in the
// cache, or empty.
func (r *Resolver) newestCached() string {
	cacheDir, err := r.cacheDir()
	if err != nil {
		return ""
	}
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return versionLess(names[j], names[i]) })
	for _, name := range names {
		dir := filepath.Join(cacheDir, name)
		if Validate(dir) {
			return dir
		}
	}
	return ""
}

// findInstalledRuntime probes the usual global npm install locations for
// the agent package.
func findInstalledRuntime() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".npm-global", "lib", "node_modules", "@anthropic-ai", "claude-code"),
		filepath.Join(home, ".local", "lib", "node_modules", "@anthropic-ai", "claude-code"),
		"/usr/local/lib/node_modules/@anthropic-ai/claude-code",
		"/opt/homebrew/lib/node_modules/@anthropic-ai/claude-code",
	}
	for _, dir := range candidates {
		// Globally installed packages keep their deps in the parent
		// node_modules, so only the entry script is required here.
		if info, err := os.Stat(filepath.Join(dir, EntryScript)); err == nil && !info.IsDir() {
			return dir
		}
	}
	return ""
}
