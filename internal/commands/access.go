package commands

import (
	"strings"
	"sync"
	"sync/atomic"

	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

// Access decides who may issue commands. A message passes when its author
// is listed in users or carries one of roles (by name, case-sensitive like
// Discord). With both lists empty everyone passes.
type Access struct {
	mu    sync.RWMutex
	roles map[string]struct{}
	users map[string]struct{}

	warned atomic.Bool
	log    logx.Logger
}

func NewAccess(roles, users []string, log logx.Logger) *Access {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Access{log: log.With(logx.String("comp", "access"))}
	a.Set(roles, users)
	return a
}

// Set replaces both lists. Safe during hot reload.
func (a *Access) Set(roles, users []string) {
	rs := toSet(roles)
	us := toSet(users)
	a.mu.Lock()
	a.roles, a.users = rs, us
	a.mu.Unlock()
	a.warned.Store(false)
}

func (a *Access) Open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.roles) == 0 && len(a.users) == 0
}

func (a *Access) Allowed(msg *kit.Message) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.roles) == 0 && len(a.users) == 0 {
		if !a.warned.Swap(true) {
			a.log.Warn("no access.allowed_roles or access.allowed_users set; every user may use the bot")
		}
		return true
	}
	if _, ok := a.users[msg.FromID]; ok {
		return true
	}
	for _, r := range msg.Roles {
		if _, ok := a.roles[r]; ok {
			return true
		}
	}
	return false
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}
