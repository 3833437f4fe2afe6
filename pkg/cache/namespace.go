package cache

import (
	"strings"
	"time"
)

// Namespace partitions the cache key space. Each namespace has its own LRU
// store, capacity and default TTL.
type Namespace string

const (
	NamespaceText   Namespace = "txt"    // query text embeddings
	NamespaceImage  Namespace = "img"    // image embeddings, immutable content
	NamespaceSearch Namespace = "search" // per-user search results
	NamespaceAssets Namespace = "assets" // per-user asset metadata
)

// Namespaces lists every namespace in a stable order.
var Namespaces = []Namespace{NamespaceText, NamespaceImage, NamespaceSearch, NamespaceAssets}

// userScoped namespaces embed the user id in the key right after the prefix.
var userScoped = []Namespace{NamespaceSearch, NamespaceAssets}

// Prefix returns the key prefix of the namespace, e.g. "txt:".
func (n Namespace) Prefix() string { return string(n) + ":" }

// Key joins parts under the namespace prefix.
func (n Namespace) Key(parts ...string) string {
	return n.Prefix() + strings.Join(parts, ":")
}

var userEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// UserKey builds a user-scoped key. The user id is escaped so that it is
// always exactly one key segment, even when it contains ':'.
func (n Namespace) UserKey(userID string, parts ...string) string {
	return n.Key(append([]string{userEscaper.Replace(userID)}, parts...)...)
}

// UserPrefix is the prefix shared by every key of userID in the namespace.
func (n Namespace) UserPrefix(userID string) string {
	return n.Key(userEscaper.Replace(userID)) + ":"
}

// NamespaceOf returns the namespace a key belongs to.
func NamespaceOf(key string) (Namespace, bool) {
	for _, ns := range Namespaces {
		if strings.HasPrefix(key, ns.Prefix()) {
			return ns, true
		}
	}
	return "", false
}

// Policy bounds a namespace.
type Policy struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// Policies maps namespaces to their bounds.
type Policies map[Namespace]Policy

// DefaultPolicies returns the stock capacities and TTLs. Image embeddings are
// derived from immutable content and live longest; search results are the
// most volatile.
func DefaultPolicies() Policies {
	return Policies{
		NamespaceText:   {Capacity: 500, TTL: 15 * time.Minute},
		NamespaceImage:  {Capacity: 200, TTL: 24 * time.Hour},
		NamespaceSearch: {Capacity: 100, TTL: 5 * time.Minute},
		NamespaceAssets: {Capacity: 50, TTL: 30 * time.Minute},
	}
}

// withDefaults fills namespaces missing from p with the stock policy.
func (p Policies) withDefaults() Policies {
	out := DefaultPolicies()
	for ns, pol := range p {
		def := out[ns]
		if pol.Capacity > 0 {
			def.Capacity = pol.Capacity
		}
		if pol.TTL > 0 {
			def.TTL = pol.TTL
		}
		out[ns] = def
	}
	return out
}
