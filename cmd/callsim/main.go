// Command callsim plays the carrier side of a Twilio media stream against a
// running bridge. It streams caller audio, acknowledges marks the way Twilio
// does after playback and records the agent audio to a WAV file.
package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

// frameMs is the packet size Twilio uses for media stream audio.
const frameMs = 20

type options struct {
	baseURL   string
	callSid   string
	inputWAV  string
	outputWAV string
	listen    time.Duration
	realtime  float64
	verbose   bool
}

type stats struct {
	mu           sync.Mutex
	agentAudio   []byte
	marks        int
	clears       int
	responseDone int
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var listenMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:5050", "bridge base URL")
	flag.StringVar(&cfg.callSid, "call-sid", "", "call sid to present; use the sid returned by /start-interview to join a placed call")
	flag.StringVar(&cfg.inputWAV, "input", "", "16 kHz mono or stereo 16-bit WAV spoken by the simulated caller (silence when empty)")
	flag.StringVar(&cfg.outputWAV, "out", "agent.wav", "where to write the agent audio")
	flag.IntVar(&listenMS, "listen-ms", 8000, "how long to keep the stream open after the caller audio ends")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print stream events")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if listenMS < 0 {
		listenMS = 0
	}
	cfg.listen = time.Duration(listenMS) * time.Millisecond
	if cfg.callSid == "" {
		cfg.callSid = "CAsim" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

func run(cfg options) error {
	callerAudio, err := loadCallerAudio(cfg.inputWAV)
	if err != nil {
		return err
	}

	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open media stream: %w", err)
	}
	defer conn.Close()

	streamSid := "MZsim" + strings.ReplaceAll(uuid.NewString(), "-", "")
	w := &streamWriter{conn: conn}
	if err := w.write(protocol.TwilioConnectedMessage{Event: protocol.TwilioConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return err
	}
	start := protocol.TwilioStartMessage{Event: protocol.TwilioStart, SequenceNumber: "1", StreamSid: streamSid}
	start.Start.StreamSid = streamSid
	start.Start.CallSid = cfg.callSid
	start.Start.Tracks = []string{"inbound"}
	start.Start.MediaFormat = protocol.TwilioMediaFormat{Encoding: "audio/x-mulaw", SampleRate: audio.NarrowbandRate, Channels: 1}
	if err := w.write(start); err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("callsim: stream=%s call=%s caller_audio_ms=%d\n", streamSid, cfg.callSid, len(callerAudio)/8)
	}

	st := &stats{}
	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(conn, w, streamSid, st, cfg.verbose) }()

	// Caller audio, then silence while the agent answers. Twilio keeps
	// sending media packets for the whole call.
	stream := make([]byte, len(callerAudio)+int(cfg.listen.Milliseconds())*8)
	copy(stream, callerAudio)
	for i := len(callerAudio); i < len(stream); i++ {
		stream[i] = 0xFF
	}
	pace := time.Duration(float64(frameMs*time.Millisecond) / cfg.realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	seq := 2
	for i, frame := range mulawFrames(stream) {
		select {
		case err := <-readErr:
			return streamEnded(err, cfg, st)
		case <-ticker.C:
		}
		seq++
		msg := protocol.TwilioMediaMessage{Event: protocol.TwilioMedia, SequenceNumber: strconv.Itoa(seq), StreamSid: streamSid}
		msg.Media.Track = "inbound"
		msg.Media.Chunk = strconv.Itoa(i + 1)
		msg.Media.Timestamp = strconv.Itoa(i * frameMs)
		msg.Media.Payload = base64.StdEncoding.EncodeToString(frame)
		if err := w.write(msg); err != nil {
			return streamEnded(err, cfg, st)
		}
	}

	stop := protocol.TwilioStopMessage{Event: protocol.TwilioStop, StreamSid: streamSid}
	stop.Stop.CallSid = cfg.callSid
	if err := w.write(stop); err != nil {
		return streamEnded(err, cfg, st)
	}
	select {
	case err := <-readErr:
		return streamEnded(err, cfg, st)
	case <-time.After(5 * time.Second):
		return streamEnded(errors.New("bridge did not close the stream after stop"), cfg, st)
	}
}

// streamEnded writes the recording and reports close codes other than a
// normal closure.
func streamEnded(err error, cfg options, st *stats) error {
	st.mu.Lock()
	recorded := append([]byte(nil), st.agentAudio...)
	marks, clears, done := st.marks, st.clears, st.responseDone
	st.mu.Unlock()

	if werr := audio.WriteWAVFile(cfg.outputWAV, audio.MulawToPCM(recorded), audio.NarrowbandRate); werr != nil {
		return fmt.Errorf("write %s: %w", cfg.outputWAV, werr)
	}
	fmt.Printf("callsim: agent_audio_ms=%d marks=%d clears=%d responses=%d out=%s\n",
		len(recorded)/8, marks, clears, done, cfg.outputWAV)

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream ended: %w", err)
	}
	return nil
}

type streamWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *streamWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteJSON(v)
}

func readLoop(conn *websocket.Conn, w *streamWriter, streamSid string, st *stats, verbose bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.TwilioEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case protocol.TwilioMedia:
			var msg protocol.TwilioOutboundMedia
			if err := sonic.Unmarshal(data, &msg); err != nil {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			st.mu.Lock()
			st.agentAudio = append(st.agentAudio, chunk...)
			st.mu.Unlock()
		case protocol.TwilioMark:
			var msg protocol.TwilioMarkMessage
			if err := sonic.Unmarshal(data, &msg); err != nil {
				continue
			}
			st.mu.Lock()
			st.marks++
			st.mu.Unlock()
			// Playback is instant here, so acknowledge right away.
			if err := w.write(protocol.NewTwilioMark(streamSid, msg.Mark.Name)); err != nil {
				return err
			}
		case protocol.TwilioClear:
			st.mu.Lock()
			st.clears++
			st.mu.Unlock()
			if verbose {
				fmt.Println("callsim: agent audio cleared (caller interrupted)")
			}
		case protocol.TwilioResponseDone:
			st.mu.Lock()
			st.responseDone++
			st.mu.Unlock()
			if verbose {
				fmt.Println("callsim: agent response done")
			}
		}
	}
}

func loadCallerAudio(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if sampleRate != audio.WidebandRate {
		return nil, fmt.Errorf("input must be %d Hz, got %d", audio.WidebandRate, sampleRate)
	}
	return audio.PCM16kToMulaw8k(pcm), nil
}

// mulawFrames splits 8 kHz mu-law into 20 ms packets, padding the last one
// with silence.
func mulawFrames(ulaw []byte) [][]byte {
	const size = audio.NarrowbandRate * frameMs / 1000
	frames := make([][]byte, 0, (len(ulaw)+size-1)/size)
	for off := 0; off < len(ulaw); off += size {
		frame := make([]byte, size)
		n := copy(frame, ulaw[off:])
		for i := n; i < size; i++ {
			frame[i] = 0xFF
		}
		frames = append(frames, frame)
	}
	return frames
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	return u.String(), nil
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}

	if channels == 1 {
		return pcmData[:len(pcmData)&^1], sampleRate, nil
	}
	frameBytes := int(channels) * 2
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
