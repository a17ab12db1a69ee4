package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const (
	rootID  = "%root0000000000000000000000000000000000000000=.sha256"
	childID = "%child000000000000000000000000000000000000000=.sha256"
	aliceID = "@alice00000000000000000000000000000000000000=.ed25519"
)

func post(root, fork string) Message {
	return Message{ID: childID, Content: Content{Type: TypePost, Post: &Post{Text: "hi", Root: root, Fork: fork}}}
}

func TestDecodePost(t *testing.T) {
	raw := `{"key":"` + childID + `","timestamp":1700000000123.5,"value":{"author":"` + aliceID + `","sequence":4,"timestamp":1700000000000,"content":{"type":"post","text":"hello","root":"` + rootID + `","channel":"go","mentions":[{"link":"` + aliceID + `","name":"alice"},{"name":"nobody"}]}}}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if m.ID != childID || m.Author != aliceID || m.Sequence != 4 {
		t.Fatalf("unexpected envelope: %+v", m)
	}
	if m.Timestamp != 1700000000000 || m.Received != 1700000000123 {
		t.Fatalf("unexpected timestamps: claimed=%d received=%d", m.Timestamp, m.Received)
	}
	if !m.IsPost() {
		t.Fatal("expected readable post")
	}
	p := m.Content.Post
	if p.Text != "hello" || p.Root != rootID || p.Fork != "" || p.Channel != "go" {
		t.Fatalf("unexpected post: %+v", p)
	}
	if len(p.Mentions) != 1 || p.Mentions[0] != aliceID {
		t.Fatalf("expected one valid mention, got %v", p.Mentions)
	}
}

func TestDecodeBoxedContentIsUnreadable(t *testing.T) {
	raw := `{"key":"` + childID + `","timestamp":1,"value":{"author":"` + aliceID + `","sequence":1,"timestamp":1,"content":"c2VjcmV0.box"}}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !m.Unreadable || m.IsPost() {
		t.Fatalf("expected unreadable message, got %+v", m)
	}
	if Classify(m) != ClassMystery {
		t.Fatalf("unreadable messages classify as mystery")
	}
}

func TestDecodeNonStringRootStaysPresent(t *testing.T) {
	c, unreadable := DecodeContent(json.RawMessage(`{"type":"post","text":"x","root":42}`))
	if unreadable {
		t.Fatal("object content must be readable")
	}
	if c.Post.Root != "42" {
		t.Fatalf("expected verbatim root, got %q", c.Post.Root)
	}
	m := Message{Content: c}
	if Classify(m) != ClassComment {
		t.Fatalf("presence of root makes it a comment, got %s", Classify(m))
	}
	if DefaultSchema.Valid(KindComment, m) {
		t.Fatal("non-id root must fail the comment schema")
	}
}

func TestDecodeVoteAndAbout(t *testing.T) {
	vote, _ := DecodeContent(json.RawMessage(`{"type":"vote","vote":{"link":"` + rootID + `","value":1,"expression":"Like"}}`))
	if vote.Vote == nil || vote.Vote.Link != rootID || vote.Vote.Value != 1 {
		t.Fatalf("unexpected vote: %+v", vote.Vote)
	}

	about, _ := DecodeContent(json.RawMessage(`{"type":"about","about":"` + aliceID + `","name":"Alice","image":{"link":"&img=.sha256"},"publicWebHosting":true}`))
	a := about.About
	if a == nil || a.About != aliceID || a.Name == nil || *a.Name != "Alice" {
		t.Fatalf("unexpected about: %+v", a)
	}
	if a.Image == nil || *a.Image != "&img=.sha256" {
		t.Fatalf("expected image link, got %v", a.Image)
	}
	if a.PublicWebHosting == nil || !*a.PublicWebHosting {
		t.Fatal("expected publicWebHosting=true")
	}
	if a.Description != nil {
		t.Fatal("absent description must stay nil")
	}
}

func TestDecodeVoteClampsBeforeConverting(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"1e19", 1},
		{"1e300", 1},
		{"1e400", 1},
		{"-1e19", -1},
		{"-1e400", -1},
		{"9223372036854775808", 1},
		{"0.9", 0},
		{"-0.5", 0},
		{"1.5", 1},
		{"-7", -1},
		{"1e-400", 0},
	}
	for _, tc := range cases {
		content, _ := DecodeContent(json.RawMessage(`{"type":"vote","vote":{"link":"` + rootID + `","value":` + tc.raw + `}}`))
		if content.Vote == nil || content.Vote.Value != tc.want {
			t.Fatalf("value %s: got %+v, want %d", tc.raw, content.Vote, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want Classification
	}{
		{"root post", post("", ""), ClassPost},
		{"comment", post(rootID, ""), ClassComment},
		{"subtopic", post(rootID, childID), ClassSubtopic},
		{"fork without root", post("", childID), ClassMystery},
		{"vote", Message{Content: Content{Type: TypeVote, Vote: &Vote{}}}, ClassMystery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.msg); got != tc.want {
				t.Fatalf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewReply(t *testing.T) {
	root := Message{ID: rootID, Content: Content{Type: TypePost, Post: &Post{Text: "root"}}}
	comment := Message{ID: childID, Content: Content{Type: TypePost, Post: &Post{Text: "c", Root: rootID}}}

	reply, err := NewReply(root, "first", "", "")
	if err != nil {
		t.Fatalf("reply to root: %v", err)
	}
	if reply.Root != rootID || reply.Fork != "" {
		t.Fatalf("reply to root must be a comment: %+v", reply)
	}

	reply, err = NewReply(comment, "nested", rootID, childID)
	if err != nil {
		t.Fatalf("reply to comment: %v", err)
	}
	if reply.Root != rootID || reply.Fork != childID {
		t.Fatalf("reply to comment must be a subtopic: %+v", reply)
	}

	_, err = NewReply(comment, "nested", childID, "")
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError for mismatched root, got %v", err)
	}
	if schemaErr.Root != childID {
		t.Fatalf("error must carry the offending root, got %+v", schemaErr)
	}
}

func TestValidatePost(t *testing.T) {
	if err := ValidatePost(Post{Text: "x", Fork: childID}); err == nil {
		t.Fatal("fork without root must be rejected")
	}
	if err := ValidatePost(Post{Text: " "}); err == nil {
		t.Fatal("blank text must be rejected")
	}
	if err := ValidatePost(Post{Text: "x", Root: rootID, Fork: childID}); err != nil {
		t.Fatalf("valid subtopic rejected: %v", err)
	}
}

func TestContentMarshalRoundTrip(t *testing.T) {
	c := Content{Type: TypePost, Post: &Post{Text: "edited", Root: rootID}}
	encoded, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"type":"post"`) || !strings.Contains(string(encoded), `"text":"edited"`) {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	var back Content
	if err := json.Unmarshal(encoded, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Post == nil || back.Post.Root != rootID {
		t.Fatalf("unexpected decoded content: %+v", back)
	}
}

func TestComputeIDIsStable(t *testing.T) {
	m := Message{Author: aliceID, Sequence: 1, Timestamp: 10, Content: Content{Type: TypePost, Post: &Post{Text: "x"}}}
	a, err := ComputeID(m)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	b, _ := ComputeID(m)
	if a != b || !IsMessageID(a) {
		t.Fatalf("expected stable message id, got %q and %q", a, b)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID(aliceID); got != "alice000" {
		t.Fatalf("ShortID() = %q", got)
	}
}
