package audio

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

const (
	// NarrowbandRate is the G.711 telephony rate the engine speaks.
	NarrowbandRate = 8000
	// WidebandRate is the linear PCM rate of the Vonage websocket leg.
	WidebandRate = 16000

	// VonageFrameBytes is one 20 ms frame of 16 kHz 16-bit mono audio.
	VonageFrameBytes = WidebandRate / 50 * 2
)

// PCM16kToMulaw8k converts 16 kHz signed 16-bit little-endian mono PCM into
// 8 kHz G.711 mu-law. Each output sample averages two input samples, which
// doubles as a crude low-pass filter before decimation. A trailing partial
// sample pair is dropped.
func PCM16kToMulaw8k(pcm []byte) []byte {
	pairs := len(pcm) / 4
	narrow := make([]byte, pairs*2)
	for i := 0; i < pairs; i++ {
		a := int32(int16(binary.LittleEndian.Uint16(pcm[4*i:])))
		b := int32(int16(binary.LittleEndian.Uint16(pcm[4*i+2:])))
		binary.LittleEndian.PutUint16(narrow[2*i:], uint16(int16((a+b)/2)))
	}
	return g711.EncodeUlaw(narrow)
}

// Mulaw8kToPCM16k converts 8 kHz G.711 mu-law into 16 kHz signed 16-bit
// little-endian mono PCM using linear interpolation between samples.
func Mulaw8kToPCM16k(ulaw []byte) []byte {
	narrow := g711.DecodeUlaw(ulaw)
	n := len(narrow) / 2
	wide := make([]byte, n*4)
	for i := 0; i < n; i++ {
		cur := int32(int16(binary.LittleEndian.Uint16(narrow[2*i:])))
		next := cur
		if i+1 < n {
			next = int32(int16(binary.LittleEndian.Uint16(narrow[2*i+2:])))
		}
		binary.LittleEndian.PutUint16(wide[4*i:], uint16(int16(cur)))
		binary.LittleEndian.PutUint16(wide[4*i+2:], uint16(int16((cur+next)/2)))
	}
	return wide
}

// MulawToPCM decodes G.711 mu-law into 16-bit little-endian PCM at the same rate.
func MulawToPCM(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// DurationMs returns the playback length of n bytes of 16 kHz 16-bit mono PCM.
func DurationMs(n int64) int64 {
	return n * 1000 / (WidebandRate * 2)
}
