package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

const (
	MaxContentLength = 280
	MaxClockSkew     = 60 * time.Second
)

var ErrInvalidTweet = errors.New("invalid tweet")

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Tweet is immutable once created. Timestamp is unix milliseconds.
type Tweet struct {
	ID         string      `json:"id"`
	Username   string      `json:"username"`
	Content    string      `json:"content,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Attachment *Attachment `json:"attachmentRef,omitempty"`
}

func (t Tweet) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// TweetID derives the id from the author, the content, the creation time, the
// attachment (if any) and the creating node. Resending the same tweet yields
// the same id; two independent tweets never share one.
func TweetID(username, content string, timestampMs int64, att *Attachment, nodeID string) string {
	h := sha3.New256()
	writeField(h, "tweetmesh:tweet:v1")
	writeField(h, username)
	writeField(h, content)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	_, _ = h.Write(ts[:])
	if att != nil {
		writeField(h, att.ID)
	} else {
		writeField(h, "")
	}
	writeField(h, nodeID)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func writeField(w interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(s))
}

type wireAttachment struct {
	ID   *string  `json:"id"`
	Name *string  `json:"name"`
	Type *string  `json:"type"`
	Size *float64 `json:"size"`
}

// wireTweet is both a standalone tweet record, where type is "tweet", and an
// all_tweets entry, where type is absent.
type wireTweet struct {
	Type       *string         `json:"type"`
	ID         *string         `json:"id"`
	Username   *string         `json:"username"`
	Content    *string         `json:"content"`
	Timestamp  *float64        `json:"timestamp"`
	Attachment *wireAttachment `json:"attachmentRef"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTweet, fmt.Sprintf(format, args...))
}

// ParseTweet validates one inbound tweet object. Anything outside the schema,
// missing required fields, oversized content or a timestamp further than
// MaxClockSkew ahead of now is rejected.
func ParseTweet(raw json.RawMessage, now time.Time) (Tweet, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Tweet{}, invalid("not an object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var w wireTweet
	if err := dec.Decode(&w); err != nil {
		return Tweet{}, invalid("%v", err)
	}
	if w.Type != nil && *w.Type != MsgTypeTweet {
		return Tweet{}, invalid("type %q", *w.Type)
	}
	if w.ID == nil || strings.TrimSpace(*w.ID) == "" {
		return Tweet{}, invalid("missing id")
	}
	if w.Username == nil || strings.TrimSpace(*w.Username) == "" {
		return Tweet{}, invalid("missing username")
	}
	if w.Timestamp == nil {
		return Tweet{}, invalid("missing timestamp")
	}
	// Bounds are checked before the int64 conversion, which is undefined
	// for out of range floats.
	ts := *w.Timestamp
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts != math.Trunc(ts) {
		return Tweet{}, invalid("timestamp not an integer")
	}
	if ts < 0 {
		return Tweet{}, invalid("timestamp before epoch")
	}
	if ts > float64(now.Add(MaxClockSkew).UnixMilli()) {
		return Tweet{}, invalid("timestamp too far in the future")
	}
	t := Tweet{
		ID:        *w.ID,
		Username:  *w.Username,
		Timestamp: int64(ts),
	}
	if w.Content != nil {
		t.Content = *w.Content
	}
	if w.Attachment != nil {
		att, err := parseAttachment(w.Attachment)
		if err != nil {
			return Tweet{}, err
		}
		t.Attachment = att
	}
	if err := CheckTweet(t, now); err != nil {
		return Tweet{}, err
	}
	return t, nil
}

func parseAttachment(w *wireAttachment) (*Attachment, error) {
	if w.ID == nil || *w.ID == "" {
		return nil, invalid("attachment missing id")
	}
	if w.Name == nil || w.Type == nil {
		return nil, invalid("attachment missing name or type")
	}
	if w.Size == nil || *w.Size < 0 || *w.Size != math.Trunc(*w.Size) {
		return nil, invalid("attachment size")
	}
	return &Attachment{ID: *w.ID, Name: *w.Name, Type: *w.Type, Size: int64(*w.Size)}, nil
}

// CheckTweet applies the content rules shared by local creation and inbound
// validation.
func CheckTweet(t Tweet, now time.Time) error {
	if strings.TrimSpace(t.Content) == "" && t.Attachment == nil {
		return invalid("empty content without attachment")
	}
	if utf8.RuneCountInString(t.Content) > MaxContentLength {
		return invalid("content exceeds %d characters", MaxContentLength)
	}
	if t.Timestamp < 0 {
		return invalid("timestamp before epoch")
	}
	if t.Time().After(now.Add(MaxClockSkew)) {
		return invalid("timestamp too far in the future")
	}
	return nil
}
