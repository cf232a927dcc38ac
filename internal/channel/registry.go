package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"wecombot/internal/domain"
	"wecombot/internal/wecomcrypto"
)

// Target is one account's registration on a webhook path.
type Target struct {
	AccountID   string
	Path        string
	Keys        wecomcrypto.KeyMaterial
	WelcomeText string
	Configured  bool
	Replier     domain.Replier

	// TIM is set on Tencent IM targets, which carry no key material.
	TIM *TIMIdentity

	codec *wecomcrypto.Codec
}

// TargetConfig describes an account to register.
type TargetConfig struct {
	AccountID   string
	Path        string
	Keys        wecomcrypto.KeyMaterial
	WelcomeText string
	Replier     domain.Replier
}

// NewTarget builds a target and prepares its codec. A target whose key
// material is incomplete or malformed is still returned, with Configured=false,
// so that a signature match on it can be reported as a configuration problem
// rather than an authentication failure.
func NewTarget(cfg TargetConfig) (*Target, error) {
	t := &Target{
		AccountID:   cfg.AccountID,
		Path:        NormalizePath(cfg.Path),
		Keys:        cfg.Keys,
		WelcomeText: strings.TrimSpace(cfg.WelcomeText),
		Replier:     cfg.Replier,
	}
	if !cfg.Keys.Complete() {
		return t, nil
	}
	codec, err := wecomcrypto.NewCodec(cfg.Keys.EncodingAESKey, cfg.Keys.ReceiveID)
	if err != nil {
		return t, fmt.Errorf("account %s: %w", cfg.AccountID, err)
	}
	t.codec = codec
	t.Configured = true
	return t, nil
}

// Codec returns the target's prepared codec, or nil when unconfigured.
func (t *Target) Codec() *wecomcrypto.Codec { return t.codec }

// NormalizePath canonicalizes a webhook path: leading slash, no single
// trailing slash, "/" for empty input.
func NormalizePath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

type targetMap map[string][]*Target

// Registry maps webhook paths to the targets registered on them. Lookups read
// an immutable snapshot; writers copy the map.
type Registry struct {
	mu      sync.Mutex // serializes writers
	targets atomic.Pointer[targetMap]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := targetMap{}
	r.targets.Store(&empty)
	return r
}

// Register adds t under its normalized path. The returned function removes
// exactly this registration and is safe to call more than once.
func (r *Registry) Register(t *Target) (unregister func()) {
	key := NormalizePath(t.Path)
	t.Path = key

	r.mu.Lock()
	next := r.snapshot().clone()
	next[key] = append(next[key], t)
	r.targets.Store(&next)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, t) })
	}
}

func (r *Registry) remove(key string, t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.snapshot().clone()
	kept := make([]*Target, 0, len(next[key]))
	for _, existing := range next[key] {
		if existing != t {
			kept = append(kept, existing)
		}
	}
	if len(kept) > 0 {
		next[key] = kept
	} else {
		delete(next, key)
	}
	r.targets.Store(&next)
}

// Resolve returns the targets registered on path. The slice must not be
// modified.
func (r *Registry) Resolve(path string) []*Target {
	return r.snapshot()[NormalizePath(path)]
}

// Paths lists every registered path in sorted order.
func (r *Registry) Paths() []string {
	m := r.snapshot()
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) snapshot() targetMap {
	return *r.targets.Load()
}

func (m targetMap) clone() targetMap {
	out := make(targetMap, len(m))
	for k, v := range m {
		out[k] = append([]*Target(nil), v...)
	}
	return out
}

// selectTarget returns the first target whose token authenticates the
// request, in registration order.
func selectTarget(targets []*Target, timestamp, nonce, encrypt, signature string) *Target {
	for _, t := range targets {
		if t.Keys.Token == "" {
			continue
		}
		if wecomcrypto.Verify(t.Keys.Token, timestamp, nonce, encrypt, signature) {
			return t
		}
	}
	return nil
}

var targetPrefixes = []string{"wecom:", "wechatwork:", "wework:", "qywx:"}

// NormalizeMessagingTarget strips a channel prefix from a user or chat id.
// It returns "" when nothing is left.
func NormalizeMessagingTarget(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, p := range targetPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	return s
}
