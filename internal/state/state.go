// Package state loads the provider registry from the on-disk state
// document written by the (out-of-scope) infrastructure scan tool, gating
// every load on a checksum file so a reader never observes a half-written
// state.json during the writer's atomic-rename window.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the wire dialect a provider speaks.
type Kind string

const (
	KindOpenAICompat Kind = "openai_compat"
	KindGoogleNative Kind = "google_native"
)

// Descriptor describes one upstream provider. APIKey is populated from the
// environment after the state document is parsed — it is never present in
// the on-disk JSON and is never re-serialized.
type Descriptor struct {
	ID     string
	Name   string
	Kind   Kind
	URL    string // empty for google_native
	Model  string
	APIKey string
}

// Registry is an immutable snapshot of the provider set. Replacement is
// atomic: a request that captures a *Registry sees a consistent view for
// its whole lifetime, even if a concurrent Refresh swaps in a new one.
type Registry struct {
	byID map[string]Descriptor
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns every known provider id. Order is unspecified.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// NewRegistryForTest builds a Registry from bare provider ids, each
// descriptor otherwise zero-valued. Exported for other packages' tests
// (waterfall, httpapi) that need a populated registry without going
// through a real state.json/checksum pair.
func NewRegistryForTest(ids []string) *Registry {
	r := &Registry{byID: make(map[string]Descriptor, len(ids))}
	for _, id := range ids {
		r.byID[id] = Descriptor{ID: id}
	}
	return r
}

// Len reports how many providers the registry currently holds.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byID)
}

// rawDocument mirrors the on-disk JSON shape. Fields outside api_providers
// (infrastructure metadata) are deliberately not modeled — they are
// ignored by encoding/json's default unmarshal behavior.
type rawDocument struct {
	APIProviders map[string]rawProvider `json:"api_providers"`
}

type rawProvider struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Model string `json:"model"`
}

// EnvKeys names the environment variables consulted to enrich specific
// provider ids with their secret key. Only entries present here (by
// provider id) receive an injected key; everything else authenticates
// through the shared SDK-level client (google_native) or carries no
// secret at all.
type EnvKeys struct {
	QwenProviderID string // e.g. "qwen_cloud" — reads DASHSCOPE_API_KEY
	GroqProviderID string // e.g. "groq" — reads GROQ_API_KEY
}

// Loader owns the debounce window and the current registry pointer.
type Loader struct {
	stateFile    string
	checksumFile string
	minInterval  time.Duration
	envKeys      EnvKeys
	sleep        func(time.Duration)
	log          *slog.Logger

	mu           sync.Mutex // serializes disk reads across concurrent Refresh calls
	lastLoadedAt time.Time

	reg atomic.Pointer[Registry]
}

// Option configures a Loader.
type Option func(*Loader)

// WithMinInterval overrides the 60s debounce (tests only).
func WithMinInterval(d time.Duration) Option {
	return func(l *Loader) { l.minInterval = d }
}

// WithSleep overrides the retry backoff sleep (tests only, to avoid a real
// 1-second pause).
func WithSleep(fn func(time.Duration)) Option {
	return func(l *Loader) { l.sleep = fn }
}

// WithLogger overrides the logger used for swallowed load failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// New creates a Loader reading from the given state/checksum file paths.
func New(stateFile, checksumFile string, envKeys EnvKeys, opts ...Option) *Loader {
	l := &Loader{
		stateFile:    stateFile,
		checksumFile: checksumFile,
		minInterval:  60 * time.Second,
		envKeys:      envKeys,
		sleep:        time.Sleep,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.reg.Store(&Registry{byID: map[string]Descriptor{}})
	return l
}

// Snapshot returns the current registry. Safe for concurrent use; callers
// should hold onto the returned pointer for the lifetime of one request.
func (l *Loader) Snapshot() *Registry {
	return l.reg.Load()
}

// Refresh ensures the registry reflects the on-disk state, subject to the
// debounce interval unless force is true. Any I/O or parse failure is
// logged and swallowed — the previous registry is preserved.
func (l *Loader) Refresh(force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && l.reg.Load().Len() > 0 && time.Since(l.lastLoadedAt) < l.minInterval {
		return
	}

	doc, err := l.loadOnce()
	if err != nil {
		l.log.Warn("state_refresh_failed", slog.String("error", err.Error()))
		return
	}

	reg := &Registry{byID: make(map[string]Descriptor, len(doc.APIProviders))}
	for id, rp := range doc.APIProviders {
		d := Descriptor{
			ID:    id,
			Name:  rp.Name,
			Kind:  Kind(rp.Type),
			URL:   rp.URL,
			Model: rp.Model,
		}
		switch id {
		case l.envKeys.QwenProviderID:
			d.APIKey = os.Getenv("DASHSCOPE_API_KEY")
		case l.envKeys.GroqProviderID:
			d.APIKey = os.Getenv("GROQ_API_KEY")
		}
		reg.byID[id] = d
	}

	l.reg.Store(reg)
	l.lastLoadedAt = time.Now()
}

// loadOnce performs one checksum-gated read, retrying exactly once on a
// mismatch to tolerate the writer's atomic-rename race.
func (l *Loader) loadOnce() (*rawDocument, error) {
	doc, err := l.readAndValidate()
	if err == nil {
		return doc, nil
	}
	if !errMismatch(err) {
		return nil, err
	}

	l.sleep(time.Second)
	doc, err = l.readAndValidate()
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type checksumMismatchError struct{ got, want string }

func (e *checksumMismatchError) Error() string {
	return fmt.Sprintf("state: checksum mismatch (got %s, want %s)", e.got, e.want)
}

func errMismatch(err error) bool {
	_, ok := err.(*checksumMismatchError)
	return ok
}

func (l *Loader) readAndValidate() (*rawDocument, error) {
	wantRaw, err := os.ReadFile(l.checksumFile)
	if err != nil {
		return nil, fmt.Errorf("state: read checksum: %w", err)
	}
	want := strings.TrimSpace(string(wantRaw))

	content, err := os.ReadFile(l.stateFile)
	if err != nil {
		return nil, fmt.Errorf("state: read state file: %w", err)
	}

	sum := sha256.Sum256(content)
	got := hex.EncodeToString(sum[:])

	if got != want {
		return nil, &checksumMismatchError{got: got, want: want}
	}

	var doc rawDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("state: parse json: %w", err)
	}
	return &doc, nil
}
