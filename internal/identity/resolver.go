package identity

import (
	"context"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
)

// Resolver derives the current user from the stored credential
type Resolver struct {
	mu      sync.RWMutex
	token   string
	current *entity.Identity
	subs    map[int]func(*entity.Identity)
	nextSub int
	now     func() time.Time
	expiry  *time.Timer
}

// Option configures a Resolver
type Option func(*Resolver)

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver with no active session
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		subs: make(map[int]func(*entity.Identity)),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCredential decodes token and makes it the active credential.
// An undecodable or expired token ends the session and returns the decode error.
func (r *Resolver) SetCredential(token string) (*entity.Identity, error) {
	id, err := Decode(token, r.now())
	if err != nil {
		log.Warn("credential rejected: %v", err)
		r.set("", nil)
		return nil, err
	}
	r.set(token, id)
	return cloneIdentity(id), nil
}

// Clear drops the credential, as on logout
func (r *Resolver) Clear() {
	r.set("", nil)
}

func (r *Resolver) set(token string, id *entity.Identity) {
	r.mu.Lock()
	changed := r.token != token
	subs := r.swapLocked(token, id)
	r.mu.Unlock()

	if !changed {
		return
	}
	if id != nil {
		log.Info("identity resolved: user_id=%s", id.UserId)
	} else {
		log.Info("identity cleared")
	}
	notify(subs, id)
}

// swapLocked installs the credential, re-arms the expiry timer and returns the subscribers to notify
func (r *Resolver) swapLocked(token string, id *entity.Identity) []func(*entity.Identity) {
	r.token = token
	r.current = id
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	if id != nil && !id.ExpiresAt.IsZero() {
		delay := id.ExpiresAt.Sub(r.now())
		if delay < 0 {
			delay = 0
		}
		r.expiry = time.AfterFunc(delay, func() { r.expire(token) })
	}

	subs := make([]func(*entity.Identity), 0, len(r.subs))
	for i := 0; i < r.nextSub; i++ {
		if fn, ok := r.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

// expire ends the session if token is still the active credential
func (r *Resolver) expire(token string) {
	r.mu.Lock()
	if r.token != token {
		r.mu.Unlock()
		return
	}
	subs := r.swapLocked("", nil)
	r.mu.Unlock()

	log.Warn("credential expired, identity cleared")
	notify(subs, nil)
}

func notify(subs []func(*entity.Identity), id *entity.Identity) {
	for _, fn := range subs {
		fn(cloneIdentity(id))
	}
}

// Current returns the active identity, nil when no session is active.
// An identity whose credential expired since it was set is reported as nil.
func (r *Resolver) Current() *entity.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil || r.current.Expired(r.now()) {
		return nil
	}
	return cloneIdentity(r.current)
}

// Token returns the active raw credential
func (r *Resolver) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// IsSelf reports whether userId is the current user
func (r *Resolver) IsSelf(userId string) bool {
	if userId == "" {
		return false
	}
	id := r.Current()
	return id != nil && id.UserId == userId
}

// Subscribe registers fn to run on every credential change, in registration order.
// The returned function removes the subscription.
func (r *Resolver) Subscribe(fn func(*entity.Identity)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, key)
	}
}

// Watch keeps the resolver in sync with store until ctx is done
func (r *Resolver) Watch(ctx context.Context, store *FileStore) error {
	return store.watch(ctx, func() {
		if err := r.reload(ctx, store); err != nil {
			log.CtxWarn(ctx, "reload credential failed: path=%s, error=%v", store.Path(), err)
		}
	})
}

func (r *Resolver) reload(ctx context.Context, store *FileStore) error {
	token, err := store.Load()
	if err != nil {
		return err
	}
	if token == "" {
		r.Clear()
		return nil
	}
	if token == r.Token() {
		return nil
	}
	if _, err := r.SetCredential(token); err != nil {
		log.CtxWarn(ctx, "stored credential unusable: path=%s, error=%v", store.Path(), err)
	}
	return nil
}

func cloneIdentity(id *entity.Identity) *entity.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
