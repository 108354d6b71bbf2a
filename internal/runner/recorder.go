package runner

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
)

// Recorder accumulates one match's replay artifact in memory across its
// three files — the concatenated MJPEG stream, the sparse state-record
// sidecar, and the byte-offset index — so resolve() can upload all three
// in one pass once the match ends. Grounded on replay_recorder.py's
// ReplayRecorder, with the local-file buffers replaced by in-memory ones
// since this runner has no equivalent local work directory to clean up.
type Recorder struct {
	mu      sync.Mutex
	mjpeg   bytes.Buffer
	offsets []uint64
	states  []map[string]interface{}
	closed  bool
}

// NewRecorder starts a fresh recorder for one match.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// WriteFrame appends one pre-encoded JPEG frame, and — when state is
// non-nil — a timestamped state record alongside it. The caller controls
// how often state is non-nil (every streaming_fps/data_hz frames).
func (rec *Recorder) WriteFrame(jpeg []byte, state map[string]interface{}) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	rec.offsets = append(rec.offsets, uint64(rec.mjpeg.Len()))
	rec.mjpeg.Write(jpeg)
	if state != nil {
		entry := make(map[string]interface{}, len(state)+1)
		for k, v := range state {
			entry[k] = v
		}
		entry["frame"] = len(rec.offsets)
		rec.states = append(rec.states, entry)
	}
}

// Close finalizes the recorder against further writes. It is safe to call
// more than once: the first call is the one that matters, every call
// after it is a no-op, so a deferred cleanup Close after an earlier
// explicit Close never truncates anything already written.
func (rec *Recorder) Close() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.closed = true
}

// Artifacts renders the three replay files this match produced. Safe to
// call after Close (that's the intended order); calling it before Close
// just means the frame count at call time is final.
func (rec *Recorder) Artifacts() (mjpeg, states, idx []byte, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	states, err = json.Marshal(rec.states)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal replay states: %w", err)
	}

	idx = make([]byte, 8*len(rec.offsets))
	for i, off := range rec.offsets {
		binary.LittleEndian.PutUint64(idx[i*8:], off)
	}

	mjpeg = append([]byte(nil), rec.mjpeg.Bytes()...)
	return mjpeg, states, idx, nil
}
