package message

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type Classification string

const (
	ClassPost     Classification = "post"
	ClassComment  Classification = "comment"
	ClassSubtopic Classification = "subtopic"
	ClassMystery  Classification = "mystery"
)

// Classify depends only on whether root and fork are present.
func Classify(m Message) Classification {
	if !m.IsPost() {
		return ClassMystery
	}
	p := m.Content.Post
	switch {
	case p.Root == "" && p.Fork == "":
		return ClassPost
	case p.Root != "" && p.Fork == "":
		return ClassComment
	case p.Root != "" && p.Fork != "":
		return ClassSubtopic
	default:
		return ClassMystery
	}
}

func IsMessageID(s string) bool { return hasSigil(s, '%', ".sha256") }
func IsFeedID(s string) bool    { return hasSigil(s, '@', ".ed25519") }
func IsBlobID(s string) bool    { return hasSigil(s, '&', ".sha256") }

// IsLink reports whether s is any kind of referenceable id.
func IsLink(s string) bool {
	return IsMessageID(s) || IsFeedID(s) || IsBlobID(s)
}

func hasSigil(s string, sigil byte, suffix string) bool {
	return len(s) > len(suffix)+1 && s[0] == sigil && strings.HasSuffix(s, suffix)
}

// ShortID is the first eight characters of an id with its sigil removed.
func ShortID(id string) string {
	trimmed := strings.TrimLeft(id, "@%&")
	if len(trimmed) > 8 {
		return trimmed[:8]
	}
	return trimmed
}

// Kind names a thread schema a post can be checked against.
type Kind int

const (
	KindRoot Kind = iota
	KindComment
	KindSubtopic
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindComment:
		return "comment"
	case KindSubtopic:
		return "subtopic"
	default:
		return "unknown"
	}
}

// Schema validates messages against the thread schemas.
type Schema interface {
	Valid(kind Kind, m Message) bool
}

// SchemaFunc adapts a plain function to Schema.
type SchemaFunc func(kind Kind, m Message) bool

func (f SchemaFunc) Valid(kind Kind, m Message) bool { return f(kind, m) }

// DefaultSchema requires readable posts with well-formed link ids.
var DefaultSchema Schema = SchemaFunc(validThreadSchema)

func validThreadSchema(kind Kind, m Message) bool {
	if !m.IsPost() {
		return false
	}
	p := m.Content.Post
	switch kind {
	case KindRoot:
		return p.Root == "" && p.Fork == ""
	case KindComment:
		return IsMessageID(p.Root) && p.Fork == ""
	case KindSubtopic:
		return IsMessageID(p.Root) && IsMessageID(p.Fork)
	default:
		return false
	}
}

// SchemaError describes a post that failed validation. Root and Fork carry
// the offending structure.
type SchemaError struct {
	Reason string `json:"reason"`
	Root   string `json:"root,omitempty"`
	Fork   string `json:"fork,omitempty"`
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid post: %s (root=%q fork=%q)", e.Reason, e.Root, e.Fork)
}

// ValidatePost checks a post about to be published.
func ValidatePost(p Post) error {
	switch {
	case strings.TrimSpace(p.Text) == "":
		return &SchemaError{Reason: "text is required", Root: p.Root, Fork: p.Fork}
	case p.Fork != "" && p.Root == "":
		return &SchemaError{Reason: "fork requires root", Root: p.Root, Fork: p.Fork}
	case p.Root != "" && !IsMessageID(p.Root):
		return &SchemaError{Reason: "root is not a message id", Root: p.Root, Fork: p.Fork}
	case p.Fork != "" && !IsMessageID(p.Fork):
		return &SchemaError{Reason: "fork is not a message id", Root: p.Root, Fork: p.Fork}
	case p.Fork != "" && p.Fork == p.Root:
		return &SchemaError{Reason: "fork must differ from root", Root: p.Root, Fork: p.Fork}
	}
	return nil
}

// NewReply builds the post replying to parent: a comment when parent is a
// root post, a subtopic otherwise. Caller-supplied root and fork must agree
// with what the parent implies.
func NewReply(parent Message, text, root, fork string) (Post, error) {
	if !parent.IsPost() {
		return Post{}, &SchemaError{Reason: "parent is not a readable post", Root: root, Fork: fork}
	}

	reply := Post{Text: text}
	switch Classify(parent) {
	case ClassPost:
		reply.Root = parent.ID
	case ClassComment, ClassSubtopic:
		reply.Root = parent.Content.Post.Root
		reply.Fork = parent.ID
	default:
		return Post{}, &SchemaError{Reason: "parent is not part of a thread", Root: root, Fork: fork}
	}

	if root != "" && root != reply.Root {
		return Post{}, &SchemaError{Reason: "root does not match parent thread", Root: root, Fork: fork}
	}
	if fork != "" && fork != reply.Fork {
		return Post{}, &SchemaError{Reason: "fork does not match parent", Root: root, Fork: fork}
	}
	if err := ValidatePost(reply); err != nil {
		return Post{}, err
	}
	return reply, nil
}

// ClampVote bounds a vote value to [-1, 1].
func ClampVote(value int) int {
	if value > 1 {
		return 1
	}
	if value < -1 {
		return -1
	}
	return value
}

// ComputeID derives the content-hash id of a message from its signed value.
func ComputeID(m Message) (string, error) {
	value := struct {
		Author    string  `json:"author"`
		Sequence  int64   `json:"sequence"`
		Timestamp int64   `json:"timestamp"`
		Content   Content `json:"content"`
	}{m.Author, m.Sequence, m.Timestamp, m.Content}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode message value: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return "%" + base64.StdEncoding.EncodeToString(sum[:]) + ".sha256", nil
}
