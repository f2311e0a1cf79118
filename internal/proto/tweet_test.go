package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func TestTweetIDDeterministic(t *testing.T) {
	a := TweetID("alice", "hello", 1000, nil, "node-a")
	b := TweetID("alice", "hello", 1000, nil, "node-a")
	if a != b {
		t.Fatalf("expected stable id")
	}
	if len(a) != 32 {
		t.Fatalf("unexpected id length %d", len(a))
	}
	variants := []string{
		TweetID("bob", "hello", 1000, nil, "node-a"),
		TweetID("alice", "hello!", 1000, nil, "node-a"),
		TweetID("alice", "hello", 1001, nil, "node-a"),
		TweetID("alice", "hello", 1000, nil, "node-b"),
		TweetID("alice", "hello", 1000, &Attachment{ID: "img"}, "node-a"),
		// field boundaries must not be ambiguous
		TweetID("alic", "ehello", 1000, nil, "node-a"),
	}
	for i, v := range variants {
		if v == a {
			t.Fatalf("variant %d collided with base id", i)
		}
	}
}

func TestParseTweetAccepts(t *testing.T) {
	cases := map[string]string{
		"content":         `{"id":"x","username":"alice","content":"hi","timestamp":1000}`,
		"attachment only": `{"id":"x","username":"alice","timestamp":1000,"attachmentRef":{"id":"a","name":"p.png","type":"image/png","size":12}}`,
		"skew edge":       `{"id":"x","username":"alice","content":"hi","timestamp":1700000060000}`,
		"tweet record":    `{"type":"tweet","id":"x","username":"alice","content":"hi","timestamp":1000}`,
		"exponent form":   `{"id":"x","username":"alice","content":"hi","timestamp":1.7e12}`,
	}
	for name, raw := range cases {
		if _, err := ParseTweet(json.RawMessage(raw), testNow); err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestParseTweetRejects(t *testing.T) {
	long := strings.Repeat("a", MaxContentLength+1)
	cases := map[string]string{
		"not object":        `["x"]`,
		"missing id":        `{"username":"alice","content":"hi","timestamp":1}`,
		"empty username":    `{"id":"x","username":" ","content":"hi","timestamp":1}`,
		"missing timestamp": `{"id":"x","username":"alice","content":"hi"}`,
		"string timestamp":  `{"id":"x","username":"alice","content":"hi","timestamp":"1"}`,
		"no content":        `{"id":"x","username":"alice","timestamp":1}`,
		"empty content":     `{"id":"x","username":"alice","content":"","timestamp":1}`,
		"too long":          `{"id":"x","username":"alice","content":"` + long + `","timestamp":1}`,
		"blank content":     `{"id":"x","username":"alice","content":"  \n ","timestamp":1}`,
		"future":            `{"id":"x","username":"alice","content":"hi","timestamp":1700000060001}`,
		"int64 overflow":    `{"id":"x","username":"alice","content":"hi","timestamp":9.3e18}`,
		"huge timestamp":    `{"id":"x","username":"alice","content":"hi","timestamp":1e20}`,
		"max timestamp":     `{"id":"x","username":"alice","content":"hi","timestamp":1e300}`,
		"negative":          `{"id":"x","username":"alice","content":"hi","timestamp":-1}`,
		"fractional":        `{"id":"x","username":"alice","content":"hi","timestamp":1000.5}`,
		"other type":        `{"type":"tweet_ack","id":"x","username":"alice","content":"hi","timestamp":1}`,
		"old field name":    `{"id":"x","username":"alice","timestamp":1,"attachment":{"id":"a","name":"n","type":"t","size":1}}`,
		"extra field":       `{"id":"x","username":"alice","content":"hi","timestamp":1,"likes":3}`,
		"bad attachment":    `{"id":"x","username":"alice","timestamp":1,"attachmentRef":{"id":"a","name":"n","type":"t","size":"big"}}`,
		"attachment extra":  `{"id":"x","username":"alice","timestamp":1,"attachmentRef":{"id":"a","name":"n","type":"t","size":1,"url":"u"}}`,
		"attachment no id":  `{"id":"x","username":"alice","timestamp":1,"attachmentRef":{"name":"n","type":"t","size":1}}`,
	}
	for name, raw := range cases {
		_, err := ParseTweet(json.RawMessage(raw), testNow)
		if !errors.Is(err, ErrInvalidTweet) {
			t.Fatalf("%s: expected ErrInvalidTweet, got %v", name, err)
		}
	}
}

func TestContentLengthCountsRunes(t *testing.T) {
	tw := Tweet{ID: "x", Username: "a", Content: strings.Repeat("é", MaxContentLength), Timestamp: 1}
	if err := CheckTweet(tw, testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTweetRecordIsFlat(t *testing.T) {
	tw := Tweet{ID: "1", Username: "a", Content: "x", Timestamp: 5,
		Attachment: &Attachment{ID: "img", Name: "p.png", Type: "image/png", Size: 3}}
	data, err := EncodeTweet(tw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"type", "id", "username", "content", "timestamp", "attachmentRef"} {
		if _, ok := fields[k]; !ok {
			t.Fatalf("expected %q on the record, got %s", k, data)
		}
	}
	if _, ok := fields["tweet"]; ok {
		t.Fatalf("tweet fields must not be nested: %s", data)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := ParseTweet(env.Tweet, testNow)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != "1" || got.Attachment == nil || got.Attachment.ID != "img" {
		t.Fatalf("unexpected tweet %+v", got)
	}

	// A record written by another implementation decodes the same way.
	env, err = DecodeEnvelope([]byte(`{"type":"tweet","id":"2","username":"bob","content":"yo","timestamp":1000}`))
	if err != nil {
		t.Fatalf("decode foreign: %v", err)
	}
	if got, err := ParseTweet(env.Tweet, testNow); err != nil || got.Username != "bob" {
		t.Fatalf("foreign record: %+v %v", got, err)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	data, err := EncodeAllTweets([]Tweet{{ID: "1", Username: "a", Content: "x", Timestamp: 5}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != MsgTypeAllTweets || len(env.Tweets) != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := ParseTweet(env.Tweets[0], testNow); err != nil {
		t.Fatalf("batched tweet should parse: %v", err)
	}
	if _, err := DecodeEnvelope([]byte(`{"type":"gossip_push"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if _, err := DecodeEnvelope([]byte(`{}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestFrameRoundTripAndPeek(t *testing.T) {
	payload, _ := EncodeTweetAck("abc")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
	if typ, ok := PeekType(got); !ok || typ != MsgTypeTweetAck {
		t.Fatalf("unexpected type %q", typ)
	}
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
}
