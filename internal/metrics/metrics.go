// Package metrics counts auth-flow events and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// ID names a counted flow event.
type ID int

const (
	LoginSessionsStarted ID = iota
	HandoffsCreated
	CallbacksLinked
	CallbacksAttached
	UsersRegistered
	UserTokensIssued
	TokensRejected
	idCount
)

type counterDef struct {
	id   ID
	name string
	help string
}

var counterDefs = []counterDef{
	{LoginSessionsStarted, "handoffd_login_sessions_started_total", "Anonymous login sessions created."},
	{HandoffsCreated, "handoffd_handoffs_created_total", "Provider hand-offs created."},
	{CallbacksLinked, "handoffd_callbacks_linked_total", "Provider callbacks that linked an existing user."},
	{CallbacksAttached, "handoffd_callbacks_attached_total", "Provider callbacks that attached a new identity."},
	{UsersRegistered, "handoffd_users_registered_total", "New users registered."},
	{UserTokensIssued, "handoffd_user_tokens_issued_total", "User tokens issued."},
	{TokensRejected, "handoffd_tokens_rejected_total", "Bearer tokens that failed decoding."},
}

// Registry holds the counters. A nil *Registry is valid and counts
// nothing, so callers never need to guard their increments.
type Registry struct {
	counters [idCount]uint64
}

func New() *Registry {
	return &Registry{}
}

func (r *Registry) Inc(id ID) {
	if r == nil || id < 0 || id >= idCount {
		return
	}
	atomic.AddUint64(&r.counters[id], 1)
}

func (r *Registry) Value(id ID) uint64 {
	if r == nil || id < 0 || id >= idCount {
		return 0
	}
	return atomic.LoadUint64(&r.counters[id])
}

// Render writes every counter in the text exposition format.
func (r *Registry) Render() string {
	if r == nil {
		return ""
	}

	var b strings.Builder
	b.Grow(2048)
	for _, def := range counterDefs {
		b.WriteString("# HELP ")
		b.WriteString(def.name)
		b.WriteByte(' ')
		b.WriteString(def.help)
		b.WriteByte('\n')
		b.WriteString("# TYPE ")
		b.WriteString(def.name)
		b.WriteString(" counter\n")
		b.WriteString(def.name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(r.Value(def.id), 10))
		b.WriteByte('\n')
	}
	return b.String()
}

// Handler serves the rendered counters.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}
