package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/interview"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
)

// Collapse merges consecutive fragments of the same speaker into turns,
// joining their text with newlines.
func Collapse(fragments []session.Fragment) []session.Fragment {
	var turns []session.Fragment
	for _, f := range fragments {
		if n := len(turns); n > 0 && turns[n-1].Speaker == f.Speaker {
			turns[n-1].Text += "\n" + f.Text
			continue
		}
		turns = append(turns, f)
	}
	return turns
}

// Result reports what a flush persisted.
type Result struct {
	Fragments int
	Files     []string
	Recorded  bool
}

// Recorder persists a finished call's transcript to archive files and, for
// tracked calls, to the interview record.
type Recorder struct {
	dir     string
	store   interview.Store
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewRecorder(dir string, store interview.Store, metrics *observability.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		dir:     dir,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Flush takes the session's transcript and persists it. Only the first
// flush of a session does anything. Failures are logged, never returned.
func (r *Recorder) Flush(ctx context.Context, s *session.CallSession) Result {
	fragments, ok := s.TakeTranscript()
	if !ok {
		return Result{}
	}
	key := s.Key()
	logger := r.logger.With(zap.String("call_id", s.CarrierCallID()), zap.String("stream_id", s.MediaStreamID()))
	if len(fragments) == 0 {
		logger.Info("no transcript to save")
		return Result{}
	}

	turns := Collapse(fragments)
	res := Result{Fragments: len(fragments)}

	stamp := r.now().Format("20060102_150405")
	for _, file := range []struct {
		name string
		body []session.Fragment
	}{
		{fmt.Sprintf("conversation_log_%s_%s.json", key, stamp), fragments},
		{fmt.Sprintf("conversation_turns_%s_%s.json", key, stamp), turns},
	} {
		path, err := r.writeArchive(file.name, file.body)
		if err != nil {
			logger.Error("write transcript archive failed", zap.String("file", file.name), zap.Error(err))
			r.count("archive", "error")
			continue
		}
		res.Files = append(res.Files, path)
		r.count("archive", "ok")
	}

	interviewID := s.BusinessEntityID()
	if interviewID == "" {
		logger.Info("untracked call, skipping interview update", zap.Int("turns", len(turns)))
		return res
	}
	if r.store == nil {
		return res
	}
	updated, found, err := r.store.Complete(ctx, interviewID, interview.Transcript{Turns: turns, Fragments: fragments})
	switch {
	case err != nil:
		logger.Error("interview update failed", zap.String("interview_id", interviewID), zap.Error(err))
		r.count("record", "error")
	case !found:
		logger.Warn("no open interview matched", zap.String("interview_id", interviewID))
		r.count("record", "absent")
	default:
		logger.Info("interview transcript stored", zap.String("interview_id", updated), zap.Int("turns", len(turns)))
		r.count("record", "ok")
		res.Recorded = true
	}
	return res
}

func (r *Recorder) writeArchive(name string, body []session.Fragment) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Recorder) count(target, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.TranscriptFlushes.WithLabelValues(target, result).Inc()
}
