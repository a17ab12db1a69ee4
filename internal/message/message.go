// Package message defines the immutable log records the rest of the service
// reads, and decodes their content once at ingestion into typed variants.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

type Type string

const (
	TypePost    Type = "post"
	TypeVote    Type = "vote"
	TypeAbout   Type = "about"
	TypeContact Type = "contact"
)

// Message is one entry of an append-only feed. Values are copied freely;
// ThreadMeta and Meta are annotations attached to a copy and never stored.
type Message struct {
	ID         string  `json:"key"`
	Author     string  `json:"author"`
	Sequence   int64   `json:"sequence"`
	Timestamp  int64   `json:"timestamp"`
	Received   int64   `json:"received"`
	Private    bool    `json:"private,omitempty"`
	Unreadable bool    `json:"unreadable,omitempty"`
	Content    Content `json:"content"`

	Thread ThreadMeta `json:"thread"`
	Meta   Meta       `json:"meta"`
}

// ThreadMeta is set by the thread resolver.
type ThreadMeta struct {
	Depth    int  `json:"depth"`
	Subtopic bool `json:"subtopic"`
	Target   bool `json:"target"`
}

// Meta holds everything the enrichment pipeline computes for display.
type Meta struct {
	AuthorName     string         `json:"authorName,omitempty"`
	AuthorImage    string         `json:"authorImage,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Voters         []string       `json:"voters,omitempty"`
	VoterNames     []string       `json:"voterNames,omitempty"`
	VotedByViewer  bool           `json:"votedByViewer"`
	Redacted       bool           `json:"redacted,omitempty"`
	Time           TimeMeta       `json:"time"`
}

type TimeMeta struct {
	ISO8601 string `json:"iso8601,omitempty"`
	Since   string `json:"since,omitempty"`
}

// Content is a tagged variant. Exactly one of the typed pointers is set for
// known types; Raw always keeps the bytes the content was decoded from.
type Content struct {
	Type    Type
	Post    *Post
	Vote    *Vote
	About   *About
	Contact *Contact
	Raw     json.RawMessage
}

type Post struct {
	Text           string   `json:"text"`
	Root           string   `json:"root,omitempty"`
	Fork           string   `json:"fork,omitempty"`
	Channel        string   `json:"channel,omitempty"`
	ContentWarning string   `json:"contentWarning,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
}

type Vote struct {
	Link       string `json:"link"`
	Value      int    `json:"value"`
	Expression string `json:"expression,omitempty"`
}

type About struct {
	About            string  `json:"about"`
	Name             *string `json:"name,omitempty"`
	Image            *string `json:"image,omitempty"`
	Description      *string `json:"description,omitempty"`
	PublicWebHosting *bool   `json:"publicWebHosting,omitempty"`
}

type Contact struct {
	Contact   string `json:"contact"`
	Following *bool  `json:"following,omitempty"`
	Blocking  *bool  `json:"blocking,omitempty"`
}

// IsPost reports whether m is a readable post.
func (m Message) IsPost() bool {
	return !m.Unreadable && m.Content.Post != nil
}

// Links returns every message, feed or blob id this message references,
// keyed by the field that carries it. Used to build the backlink index.
func (m Message) Links() map[string][]string {
	links := map[string][]string{}
	c := m.Content
	switch {
	case c.Post != nil:
		if c.Post.Root != "" {
			links["root"] = append(links["root"], c.Post.Root)
		}
		if c.Post.Fork != "" {
			links["fork"] = append(links["fork"], c.Post.Fork)
		}
		if len(c.Post.Mentions) > 0 {
			links["mention"] = append(links["mention"], c.Post.Mentions...)
		}
	case c.Vote != nil:
		if c.Vote.Link != "" {
			links["vote"] = append(links["vote"], c.Vote.Link)
		}
	case c.About != nil:
		if c.About.About != "" {
			links["about"] = append(links["about"], c.About.About)
		}
	case c.Contact != nil:
		if c.Contact.Contact != "" {
			links["contact"] = append(links["contact"], c.Contact.Contact)
		}
	}
	return links
}

type envelope struct {
	Key       string      `json:"key"`
	Timestamp json.Number `json:"timestamp"`
	Private   bool        `json:"private"`
	Value     struct {
		Author    string          `json:"author"`
		Sequence  int64           `json:"sequence"`
		Timestamp json.Number     `json:"timestamp"`
		Content   json.RawMessage `json:"content"`
	} `json:"value"`
}

// Decode parses one exported log entry of the form
// {"key", "timestamp", "value": {"author", "sequence", "timestamp", "content"}}.
func Decode(raw []byte) (Message, error) {
	var env envelope
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&env); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if env.Key == "" {
		return Message{}, fmt.Errorf("decode message: missing key")
	}
	m := Message{
		ID:       env.Key,
		Author:   env.Value.Author,
		Sequence: env.Value.Sequence,
		Private:  env.Private,
	}
	if f, err := env.Value.Timestamp.Float64(); err == nil {
		m.Timestamp = int64(f)
	}
	if f, err := env.Timestamp.Float64(); err == nil {
		m.Received = int64(f)
	}
	m.Content, m.Unreadable = DecodeContent(env.Value.Content)
	return m, nil
}

// DecodeContent decodes a content object. Boxed content (a JSON string) or
// anything that is not an object is reported as unreadable.
func DecodeContent(raw json.RawMessage) (Content, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Content{Raw: raw}, true
	}

	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return Content{Raw: raw}, true
	}
	c := Content{Type: Type(stringField(head.Type)), Raw: raw}

	switch c.Type {
	case TypePost:
		c.Post = decodePost(trimmed)
	case TypeVote:
		c.Vote = decodeVote(trimmed)
	case TypeAbout:
		c.About = decodeAbout(trimmed)
	case TypeContact:
		c.Contact = decodeContact(trimmed)
	}
	return c, false
}

func decodePost(raw []byte) *Post {
	var p struct {
		Text           json.RawMessage `json:"text"`
		Root           json.RawMessage `json:"root"`
		Fork           json.RawMessage `json:"fork"`
		Channel        json.RawMessage `json:"channel"`
		ContentWarning json.RawMessage `json:"contentWarning"`
		Mentions       json.RawMessage `json:"mentions"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return &Post{}
	}
	return &Post{
		Text:           stringField(p.Text),
		Root:           linkField(p.Root),
		Fork:           linkField(p.Fork),
		Channel:        stringField(p.Channel),
		ContentWarning: stringField(p.ContentWarning),
		Mentions:       mentionLinks(p.Mentions),
	}
}

func decodeVote(raw []byte) *Vote {
	var v struct {
		Vote struct {
			Link       json.RawMessage `json:"link"`
			Value      json.Number     `json:"value"`
			Expression string          `json:"expression"`
		} `json:"vote"`
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&v); err != nil {
		return &Vote{}
	}
	return &Vote{Link: stringField(v.Vote.Link), Value: voteValue(v.Vote.Value), Expression: v.Vote.Expression}
}

// voteValue clamps a JSON number to [-1, 1] before converting it, so huge
// magnitudes keep their sign. Fractions truncate toward zero.
func voteValue(n json.Number) int {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return int(math.Max(-1, math.Min(1, f)))
}

func decodeAbout(raw []byte) *About {
	var a struct {
		About            json.RawMessage `json:"about"`
		Name             json.RawMessage `json:"name"`
		Image            json.RawMessage `json:"image"`
		Description      json.RawMessage `json:"description"`
		PublicWebHosting json.RawMessage `json:"publicWebHosting"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return &About{}
	}
	out := &About{About: stringField(a.About)}
	if s, ok := optionalString(a.Name); ok {
		out.Name = &s
	}
	if s, ok := optionalString(a.Description); ok {
		out.Description = &s
	}
	if image := linkField(a.Image); image != "" {
		out.Image = &image
	}
	var hosting bool
	if len(a.PublicWebHosting) > 0 && json.Unmarshal(a.PublicWebHosting, &hosting) == nil {
		out.PublicWebHosting = &hosting
	}
	return out
}

func decodeContact(raw []byte) *Contact {
	var c struct {
		Contact   json.RawMessage `json:"contact"`
		Following *bool           `json:"following"`
		Blocking  *bool           `json:"blocking"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return &Contact{}
	}
	return &Contact{Contact: stringField(c.Contact), Following: c.Following, Blocking: c.Blocking}
}

// MarshalJSON emits the typed variant, so redaction and other display edits
// made to a copy are what callers see.
func (c Content) MarshalJSON() ([]byte, error) {
	switch {
	case c.Post != nil:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Post
		}{TypePost, c.Post})
	case c.Vote != nil:
		return json.Marshal(struct {
			Type Type  `json:"type"`
			Vote *Vote `json:"vote"`
		}{TypeVote, c.Vote})
	case c.About != nil:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*About
		}{TypeAbout, c.About})
	case c.Contact != nil:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Contact
		}{TypeContact, c.Contact})
	case len(c.Raw) > 0:
		return c.Raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON and is used when content is
// read back from storage.
func (c *Content) UnmarshalJSON(data []byte) error {
	decoded, _ := DecodeContent(append(json.RawMessage(nil), data...))
	*c = decoded
	return nil
}

func stringField(raw json.RawMessage) string {
	s, _ := optionalString(raw)
	return s
}

func optionalString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// linkField accepts a bare id string or an object with a "link" field.
// Any other non-null value is kept verbatim so it counts as present but
// fails id validation.
func linkField(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if s, ok := optionalString(trimmed); ok {
		return s
	}
	var obj struct {
		Link string `json:"link"`
	}
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &obj) == nil && obj.Link != "" {
		return obj.Link
	}
	return string(trimmed)
}

func mentionLinks(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var links []string
	for _, item := range items {
		if link := linkField(item); IsLink(link) {
			links = append(links, link)
		}
	}
	return links
}
