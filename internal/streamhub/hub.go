// Package streamhub is the live video/state fan-out spec.md §4.11
// describes: the Match Runner publishes one JPEG frame per streamed step
// plus a reduced-rate state record, and spectators consume both over
// long-lived subscriptions with drop-oldest semantics when they fall
// behind. The Hub implements internal/runner.Publisher directly so the
// worker pool can wire it into a Runner without either package knowing
// about the other's transport.
//
// Every published frame and state record is also appended to a durable
// KV stream (match.{id}.video / match.{id}.data), capped at MaxLen and
// expired shortly after the match ends, so a subscriber that connects
// mid-match can still be served from the buffered tail the way
// spec.md §6.5 names those keys for.
package streamhub

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/runner"
)

// Kind tags what an Event carries.
type Kind string

const (
	KindVideo Kind = "video"
	KindData  Kind = "data"
	KindEOS   Kind = "eos"
)

// Event is one fanned-out unit: a JPEG frame, a state record, or an
// end-of-stream sentinel.
type Event struct {
	Kind    Kind
	Seq     int
	Payload []byte // JPEG bytes for video, JSON bytes for data/eos
}

// subscriberBuffer is how many events a lagging subscriber is allowed to
// queue before the hub starts dropping the oldest buffered event to make
// room for the newest — spec.md §4.11's "subscribers receive only the
// latest buffered frame when they fall behind."
const subscriberBuffer = 4

// Subscriber is a single live consumer's event channel, returned by
// Subscribe. The caller must range over Events until it is closed (EOS or
// Unsubscribe) and call Unsubscribe exactly once when done.
type Subscriber struct {
	Events chan Event
	kind   Kind
	id     uint64
}

func videoStreamKey(matchID string) string { return "match." + matchID + ".video" }
func dataStreamKey(matchID string) string  { return "match." + matchID + ".data" }

// Config configures a Hub.
type Config struct {
	KV kv.Store
	Log *logrus.Entry

	StreamingFPS int // default 60; how often PublishFrame is called per second
	DataHz       int // default 10; how often a state record is derived from a frame
	MaxLen       int64         // default 300; KV stream trim cap
	PostEOSTTL   time.Duration // default 30s; how long streams live after EOS
}

type matchState struct {
	videoSubs map[uint64]*Subscriber
	dataSubs  map[uint64]*Subscriber
}

// Hub fans live match frames and state records out to local WebSocket
// subscribers and a durable KV stream buffer.
type Hub struct {
	kv  kv.Store
	log *logrus.Entry

	dataEvery  int
	maxLen     int64
	postEOSTTL time.Duration

	mu      sync.Mutex
	nextID  uint64
	matches map[string]*matchState
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	fps := cfg.StreamingFPS
	if fps <= 0 {
		fps = 60
	}
	dataHz := cfg.DataHz
	if dataHz <= 0 {
		dataHz = 10
	}
	dataEvery := fps / dataHz
	if dataEvery <= 0 {
		dataEvery = 1
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 300
	}
	postEOSTTL := cfg.PostEOSTTL
	if postEOSTTL <= 0 {
		postEOSTTL = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		kv:         cfg.KV,
		log:        log.WithField("component", "streamhub"),
		dataEvery:  dataEvery,
		maxLen:     maxLen,
		postEOSTTL: postEOSTTL,
		matches:    make(map[string]*matchState),
	}
}

// Subscribe registers a live subscriber for one match's video or data
// stream. The returned cancel func must be called exactly once, whether
// the caller stops reading voluntarily or the underlying connection dies.
func (h *Hub) Subscribe(matchID string, kind Kind) (*Subscriber, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := h.matches[matchID]
	if ms == nil {
		ms = &matchState{videoSubs: make(map[uint64]*Subscriber), dataSubs: make(map[uint64]*Subscriber)}
		h.matches[matchID] = ms
	}

	h.nextID++
	sub := &Subscriber{Events: make(chan Event, subscriberBuffer), kind: kind, id: h.nextID}
	switch kind {
	case KindData:
		ms.dataSubs[sub.id] = sub
	default:
		ms.videoSubs[sub.id] = sub
	}

	return sub, func() { h.unsubscribe(matchID, sub) }
}

func (h *Hub) unsubscribe(matchID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.matches[matchID]
	if ms == nil {
		return
	}
	switch sub.kind {
	case KindData:
		delete(ms.dataSubs, sub.id)
	default:
		delete(ms.videoSubs, sub.id)
	}
}

// broadcast delivers ev to every subscriber in subs, dropping the oldest
// queued event for any subscriber whose buffer is already full rather than
// blocking the publisher on a slow consumer.
func broadcast(subs map[uint64]*Subscriber, ev Event) {
	for _, sub := range subs {
		select {
		case sub.Events <- ev:
		default:
			select {
			case <-sub.Events:
			default:
			}
			select {
			case sub.Events <- ev:
			default:
			}
		}
	}
}

// PublishFrame implements internal/runner.Publisher: it fans frame out as
// a video event to every live video subscriber and, every dataEvery-th
// call, derives a state record fanned out as a data event. Both are also
// appended to their durable KV streams.
func (h *Hub) PublishFrame(ctx context.Context, matchID string, seq int, frame runner.Frame) error {
	h.mu.Lock()
	ms := h.matches[matchID]
	var videoSubs, dataSubs map[uint64]*Subscriber
	if ms != nil {
		videoSubs = ms.videoSubs
		if seq%h.dataEvery == 0 {
			dataSubs = ms.dataSubs
		}
	}
	h.mu.Unlock()

	videoEv := Event{Kind: KindVideo, Seq: seq, Payload: frame.Image}
	broadcast(videoSubs, videoEv)

	if _, err := h.kv.XAdd(ctx, videoStreamKey(matchID), h.maxLen, map[string]interface{}{
		"seq":   seq,
		"image": base64.StdEncoding.EncodeToString(frame.Image),
	}); err != nil {
		return fmt.Errorf("streamhub: xadd video %s: %w", matchID, err)
	}

	if seq%h.dataEvery != 0 {
		return nil
	}

	dataEv := Event{Kind: KindData, Seq: seq, Payload: frame.Info}
	broadcast(dataSubs, dataEv)

	if _, err := h.kv.XAdd(ctx, dataStreamKey(matchID), h.maxLen, map[string]interface{}{
		"seq":  seq,
		"info": string(frame.Info),
	}); err != nil {
		return fmt.Errorf("streamhub: xadd data %s: %w", matchID, err)
	}
	return nil
}

// PublishEOS implements internal/runner.Publisher: it fans an
// end-of-stream sentinel out to every subscriber on both streams, closes
// out the match's subscriber bookkeeping, and lets both KV streams expire
// shortly after rather than live forever.
func (h *Hub) PublishEOS(ctx context.Context, matchID string, reason string) error {
	h.mu.Lock()
	ms := h.matches[matchID]
	delete(h.matches, matchID)
	h.mu.Unlock()

	eos := Event{Kind: KindEOS, Payload: []byte(reason)}
	if ms != nil {
		for _, sub := range ms.videoSubs {
			select {
			case sub.Events <- eos:
			default:
			}
			close(sub.Events)
		}
		for _, sub := range ms.dataSubs {
			select {
			case sub.Events <- eos:
			default:
			}
			close(sub.Events)
		}
	}

	var firstErr error
	if err := h.kv.Expire(ctx, videoStreamKey(matchID), h.postEOSTTL); err != nil {
		firstErr = fmt.Errorf("streamhub: expire video stream %s: %w", matchID, err)
	}
	if err := h.kv.Expire(ctx, dataStreamKey(matchID), h.postEOSTTL); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("streamhub: expire data stream %s: %w", matchID, err)
	}
	return firstErr
}
