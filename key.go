package relkv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Key identifies an entity as a path of (kind, id-or-name) pairs. The
// topmost ancestor defines the entity group, which is the store's
// transaction-atomicity boundary. Keys are immutable once assigned;
// incomplete keys (no ID and no Name) become complete only through
// AllocateID during a write.
type Key struct {
	Kind   string
	ID     int64
	Name   string
	Parent *Key
}

func IDKey(kind string, id int64, parent *Key) *Key {
	return &Key{Kind: kind, ID: id, Parent: parent}
}

func NameKey(kind, name string, parent *Key) *Key {
	return &Key{Kind: kind, Name: name, Parent: parent}
}

func IncompleteKey(kind string, parent *Key) *Key {
	return &Key{Kind: kind, Parent: parent}
}

func (k *Key) Incomplete() bool {
	return k.ID == 0 && k.Name == ""
}

// IDOrName returns the last path element's identifier as a string.
func (k *Key) IDOrName() string {
	if k.Name != "" {
		return k.Name
	}
	return strconv.FormatInt(k.ID, 10)
}

// Root returns the topmost ancestor, i.e. the entity group this key
// belongs to.
func (k *Key) Root() *Key {
	for k.Parent != nil {
		k = k.Parent
	}
	return k
}

// SameGroup reports whether both keys share one entity group.
func (k *Key) SameGroup(other *Key) bool {
	if k == nil || other == nil {
		return false
	}
	return k.Root().Equal(other.Root())
}

func (k *Key) Equal(other *Key) bool {
	for {
		if k == nil || other == nil {
			return k == other
		}
		if k.Kind != other.Kind || k.ID != other.ID || k.Name != other.Name {
			return false
		}
		k, other = k.Parent, other.Parent
	}
}

// HasAncestor reports whether anc appears on k's ancestor path
// (a key is considered its own ancestor).
func (k *Key) HasAncestor(anc *Key) bool {
	for cur := k; cur != nil; cur = cur.Parent {
		if cur.Equal(anc) {
			return true
		}
	}
	return false
}

func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	var sb strings.Builder
	k.writePath(&sb)
	return sb.String()
}

func (k *Key) writePath(sb *strings.Builder) {
	if k.Parent != nil {
		k.Parent.writePath(sb)
		sb.WriteByte('/')
	}
	sb.WriteString(k.Kind)
	sb.WriteByte(':')
	if k.Name != "" {
		sb.WriteString(k.Name)
	} else {
		sb.WriteString(strconv.FormatInt(k.ID, 10))
	}
}

// Encode returns a stable, parseable representation of the full key path,
// usable as a map key and safe to embed in cursors and task payloads.
// Numeric ids are prefixed with '#' to keep them distinct from names.
func (k *Key) Encode() string {
	if k == nil {
		return ""
	}
	var sb strings.Builder
	k.writeEncoded(&sb)
	return sb.String()
}

func (k *Key) writeEncoded(sb *strings.Builder) {
	if k.Parent != nil {
		k.Parent.writeEncoded(sb)
		sb.WriteByte('!')
	}
	sb.WriteString(escapeKeyPart(k.Kind))
	sb.WriteByte(':')
	if k.Name != "" {
		sb.WriteString(escapeKeyPart(k.Name))
	} else {
		sb.WriteByte('#')
		sb.WriteString(strconv.FormatInt(k.ID, 10))
	}
}

func escapeKeyPart(s string) string {
	if !strings.ContainsAny(s, "!:%#") {
		return s
	}
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '!', ':', '%', '#':
			fmt.Fprintf(&sb, "%%%02x", r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func unescapeKeyPart(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Errorf("truncated escape in key part %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", errors.Wrapf(err, "bad escape in key part %q", s)
		}
		sb.WriteByte(byte(n))
		i += 2
	}
	return sb.String(), nil
}

// DecodeKey parses the representation produced by Encode.
func DecodeKey(s string) (*Key, error) {
	if s == "" {
		return nil, errors.New("empty key")
	}
	var key *Key
	for _, part := range strings.Split(s, "!") {
		kind, rest, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.Errorf("malformed key element %q", part)
		}
		kind, err := unescapeKeyPart(kind)
		if err != nil {
			return nil, err
		}
		if kind == "" {
			return nil, errors.Errorf("empty kind in key %q", s)
		}
		elem := &Key{Kind: kind, Parent: key}
		if strings.HasPrefix(rest, "#") {
			id, err := strconv.ParseInt(rest[1:], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad numeric id in key %q", s)
			}
			elem.ID = id
		} else {
			name, err := unescapeKeyPart(rest)
			if err != nil {
				return nil, err
			}
			elem.Name = name
		}
		key = elem
	}
	return key, nil
}
