package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgTypeHandshake    = "handshake"
	MsgTypePing         = "ping"
	MsgTypePingReply    = "ping_reply"
	MsgTypeTweet        = "tweet"
	MsgTypeTweetAck     = "tweet_ack"
	MsgTypeAllTweets    = "all_tweets"
	MsgTypeBulkTweetAck = "bulk_tweet_ack"
)

var ErrUnknownType = errors.New("unknown message type")

// Envelope is the decoded form of every session payload. Tweets stay raw so
// that each one can be validated on its own. A tweet record carries the tweet
// fields next to its type, so Tweet holds the whole payload.
type Envelope struct {
	Type              string            `json:"type"`
	DisplayName       string            `json:"displayName,omitempty"`
	Timestamp         int64             `json:"timestamp,omitempty"`
	OriginalTimestamp int64             `json:"originalTimestamp,omitempty"`
	Tweet             json.RawMessage   `json:"-"`
	ID                string            `json:"id,omitempty"`
	Tweets            []json.RawMessage `json:"tweets,omitempty"`
	IDs               []string          `json:"ids,omitempty"`
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, err
	}
	switch head.Type {
	case MsgTypeTweet:
		return Envelope{Type: head.Type, Tweet: append(json.RawMessage(nil), data...)}, nil
	case MsgTypeHandshake, MsgTypePing, MsgTypePingReply,
		MsgTypeTweetAck, MsgTypeAllTweets, MsgTypeBulkTweetAck:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, err
		}
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("missing type")
	default:
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownType, head.Type)
	}
}

type handshakeMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
}

type pingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type pingReplyMsg struct {
	Type              string `json:"type"`
	OriginalTimestamp int64  `json:"originalTimestamp"`
}

type tweetMsg struct {
	Type string `json:"type"`
	Tweet
}

type tweetAckMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type allTweetsMsg struct {
	Type   string  `json:"type"`
	Tweets []Tweet `json:"tweets"`
}

type bulkTweetAckMsg struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

func EncodeHandshake(displayName string) ([]byte, error) {
	return json.Marshal(handshakeMsg{Type: MsgTypeHandshake, DisplayName: displayName})
}

func EncodePing(timestampMs int64) ([]byte, error) {
	return json.Marshal(pingMsg{Type: MsgTypePing, Timestamp: timestampMs})
}

func EncodePingReply(originalMs int64) ([]byte, error) {
	return json.Marshal(pingReplyMsg{Type: MsgTypePingReply, OriginalTimestamp: originalMs})
}

func EncodeTweet(t Tweet) ([]byte, error) {
	return json.Marshal(tweetMsg{Type: MsgTypeTweet, Tweet: t})
}

func EncodeTweetAck(id string) ([]byte, error) {
	return json.Marshal(tweetAckMsg{Type: MsgTypeTweetAck, ID: id})
}

func EncodeAllTweets(tweets []Tweet) ([]byte, error) {
	if tweets == nil {
		tweets = []Tweet{}
	}
	return json.Marshal(allTweetsMsg{Type: MsgTypeAllTweets, Tweets: tweets})
}

func EncodeBulkTweetAck(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(bulkTweetAckMsg{Type: MsgTypeBulkTweetAck, IDs: ids})
}
